package cloudbatch

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

//BatchError error raised by the orchestrator, classified by Code
type BatchError interface {
	Code() string
	Message() string
	Error() string
	Unwrap() error
	StackTrace() errors.StackTrace
}

type batchErr struct {
	code  string
	msg   string
	cause error
	stack error
}

func (err *batchErr) Code() string {
	return err.code
}

func (err *batchErr) Message() string {
	return err.msg
}

func (err *batchErr) Error() string {
	if err.cause != nil {
		return fmt.Sprintf("batch err, code:%v, message:%v, cause:%v", err.code, err.msg, err.cause)
	}
	return fmt.Sprintf("batch err, code:%v, message:%v", err.code, err.msg)
}

func (err *batchErr) Unwrap() error {
	return err.cause
}

//Is reports whether target is a BatchError with the same code
func (err *batchErr) Is(target error) bool {
	if t, ok := target.(BatchError); ok {
		return t.Code() == err.code
	}
	return false
}

func (err *batchErr) StackTrace() errors.StackTrace {
	if st, ok := err.stack.(interface{ StackTrace() errors.StackTrace }); ok {
		return st.StackTrace()
	}
	return nil
}

func (err *batchErr) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprint(s, err.Error())
			if st := err.StackTrace(); st != nil {
				st.Format(s, verb)
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, err.Error())
	case 'q':
		fmt.Fprintf(s, "%q", err.Error())
	}
}

//NewBatchError create a BatchError, msg is a format string of args.
//A trailing error argument not consumed by msg is recorded as the cause.
func NewBatchError(code string, msg string, args ...interface{}) BatchError {
	var cause error
	if n := len(args); n > 0 && n > countVerbs(msg) {
		if e, ok := args[n-1].(error); ok {
			cause = e
			args = args[:n-1]
		}
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &batchErr{code: code, msg: msg, cause: cause, stack: errors.New(msg)}
}

//WrapBatchError keeps err as is when it is already a BatchError
func WrapBatchError(code string, err error) BatchError {
	if err == nil {
		return nil
	}
	var be BatchError
	if errors.As(err, &be) {
		return be
	}
	return &batchErr{code: code, msg: err.Error(), cause: err, stack: errors.WithStack(err)}
}

//IsCode reports whether any error in err's chain is a BatchError of code
func IsCode(err error, code string) bool {
	for err != nil {
		if be, ok := err.(BatchError); ok && be.Code() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

//ErrorCode code of the first BatchError in err's chain, general if there is none
func ErrorCode(err error) string {
	var be BatchError
	if errors.As(err, &be) {
		return be.Code()
	}
	return ErrCodeGeneral
}

func countVerbs(format string) int {
	n := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		if i+1 < len(format) && format[i+1] == '%' {
			i++
			continue
		}
		n++
	}
	return n
}

const (
	ErrCodeResolution   = "resolution"
	ErrCodeStaging      = "staging"
	ErrCodePartition    = "partition"
	ErrCodeLaunch       = "launch"
	ErrCodeProcessing   = "processing"
	ErrCodeIllegalState = "illegal_state"
	ErrCodeNotFound     = "not_found"
	ErrCodeTimeout      = "timeout"
	ErrCodeStop         = "stop"
	ErrCodeConcurrency  = "concurrency"
	ErrCodeDbFail       = "db_fail"
	ErrCodeGeneral      = "general"
)

var (
	StopError       BatchError = &batchErr{code: ErrCodeStop, msg: "job stopping"}
	ConcurrentError BatchError = &batchErr{code: ErrCodeConcurrency, msg: "concurrency error"}
)

//errorMessage flattens err for persistence, the code is stored apart
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	if be, ok := err.(BatchError); ok {
		if cause := be.Unwrap(); cause != nil {
			return strings.TrimSpace(be.Message() + ": " + cause.Error())
		}
		return strings.TrimSpace(be.Message())
	}
	return strings.TrimSpace(err.Error())
}
