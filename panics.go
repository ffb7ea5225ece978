package intent

import (
	"bytes"
	"fmt"
	"log"
	"maps"
	"runtime"
	"slices"
)

// PanicLogger receives a recovered panic value together with the trimmed
// goroutine stack.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// RecoverInto returns a function meant to be deferred. When the surrounding
// call panics the value is logged and stored in *dst as a HANDLER_ERROR.
func RecoverInto(logger PanicLogger, funcName string, dst *error, fields ...map[string]any) func() {
	if logger == nil {
		logger = DefaultPanicLogger
	}
	return func() {
		r := recover()
		if r == nil {
			return
		}
		stack := captureStack()
		logger(funcName, r, stack, fields...)
		if dst == nil {
			return
		}
		meta := map[string]any{"function": funcName}
		for _, f := range fields {
			maps.Copy(meta, f)
		}
		*dst = NewError(ErrHandlerError, fmt.Sprintf("handler panicked: %v", r), &PanicError{Value: r, Stack: stack}, meta)
	}
}

// DefaultPanicLogger writes the panic to the standard logger.
func DefaultPanicLogger(funcName string, err any, stack []byte, fields ...map[string]any) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "recovered from panic in %s: %v (%T)", funcName, err, err)
	for _, f := range fields {
		for _, k := range slices.Sorted(maps.Keys(f)) {
			fmt.Fprintf(&b, " %s=%v", k, f[k])
		}
	}
	b.WriteByte('\n')
	b.Write(stack)
	log.Print(b.String())
}

func captureStack() []byte {
	buf := make([]byte, 8192)
	return trimPanicFrames(buf[:runtime.Stack(buf, false)])
}

// trimPanicFrames drops the goroutine header and every frame up to the
// runtime panic call so the stack starts at the panicking function.
func trimPanicFrames(stack []byte) []byte {
	lines := bytes.Split(stack, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte("panic(")) && i+2 < len(lines) {
			return bytes.Join(lines[i+2:], []byte("\n"))
		}
	}
	return stack
}
