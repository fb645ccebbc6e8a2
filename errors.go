package stm

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrUnsupported is wrapped with the operation name and algorithm name
// whenever a caller reaches an operation none of these three algorithms
// implement.
var ErrUnsupported = errors.New("stm: unsupported operation")

// fatalUnsupported logs a single structured diagnostic and terminates the
// process: become_irrevocable and self-abort in turbo mode are not
// conflicts to retry, they are programming errors the runtime cannot
// recover from.
func (rt *Runtime) fatalUnsupported(algorithm, op string) {
	err := errors.Wrapf(ErrUnsupported, "%s does not support %s", algorithm, op)
	rt.logger.Fatal("stm: fatal unsupported operation",
		zap.String("algorithm", algorithm),
		zap.String("operation", op),
		zap.Error(err),
	)
}

// Fatal implements proto.FatalSink, letting an algorithm core route a
// condition it cannot recover from through the runtime's own fatal-logging
// path instead of panicking with a bare string.
func (rt *Runtime) Fatal(algorithm, op string) {
	rt.fatalUnsupported(algorithm, op)
}
