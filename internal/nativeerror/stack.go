package nativeerror

import (
	"runtime"
	"strconv"
	"strings"
)

const maxStackDepth = 32

// Stack is a captured set of program counters.
type Stack []uintptr

// CaptureStack records the calling goroutine's stack. skip is the number of
// frames above the caller of CaptureStack to omit.
func CaptureStack(skip int) Stack {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	return Stack(pcs[:n])
}

// Frames resolves the program counters.
func (s Stack) Frames() []runtime.Frame {
	if len(s) == 0 {
		return nil
	}
	frames := runtime.CallersFrames(s)
	out := make([]runtime.Frame, 0, len(s))
	for {
		frame, more := frames.Next()
		out = append(out, frame)
		if !more {
			break
		}
	}
	return out
}

// TrimPrefix drops leading frames whose function lives in pkgPath.
func (s Stack) TrimPrefix(pkgPath string) Stack {
	for i, pc := range s {
		fn := runtime.FuncForPC(pc - 1)
		if fn == nil || !strings.HasPrefix(fn.Name(), pkgPath+".") {
			return s[i:]
		}
	}
	return nil
}

func (s Stack) String() string {
	var b strings.Builder
	for _, frame := range s.Frames() {
		b.WriteString(frame.Function)
		b.WriteString("\n\t")
		b.WriteString(frame.File)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(frame.Line))
		b.WriteByte('\n')
	}
	return b.String()
}
