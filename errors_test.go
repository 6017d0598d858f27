package cloudbatch

import (
	"fmt"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
)

func TestBatchErr_Format(t *testing.T) {
	batchErr := NewBatchError(ErrCodeGeneral, "new error")
	assert.Equal(t, "batch err, code:general, message:new error", batchErr.Error())
	assert.NotEqual(t, 0, len(batchErr.StackTrace()))
	detail := fmt.Sprintf("%+v", batchErr)
	assert.T(t, len(detail) > len(batchErr.Error()))

	err := fmt.Errorf("some error raised from db")
	batchErr2 := NewBatchError(ErrCodeDbFail, "wrap error", err)
	assert.Equal(t, "wrap error", batchErr2.Message())
	assert.Equal(t, err, errors.Unwrap(batchErr2))

	batchErr3 := NewBatchError(ErrCodeDbFail, "wrap error:%v", err)
	assert.Equal(t, "wrap error:some error raised from db", batchErr3.Message())
	assert.Equal(t, nil, errors.Unwrap(batchErr3))

	batchErr4 := NewBatchError(ErrCodeStaging, "copy %v failed", "a.csv", err)
	assert.Equal(t, "copy a.csv failed", batchErr4.Message())
	assert.Equal(t, err, batchErr4.Unwrap())
}

func TestIsCode(t *testing.T) {
	inner := NewBatchError(ErrCodeStaging, "can not open")
	outer := errors.Wrap(inner, "worker")
	assert.T(t, IsCode(outer, ErrCodeStaging))
	assert.T(t, !IsCode(outer, ErrCodeLaunch))
	assert.Equal(t, ErrCodeStaging, ErrorCode(outer))
	assert.Equal(t, ErrCodeGeneral, ErrorCode(fmt.Errorf("plain")))
	assert.T(t, errors.Is(NewBatchError(ErrCodeStop, "stopped by operator"), StopError))
}

func TestWrapBatchError(t *testing.T) {
	assert.Equal(t, nil, WrapBatchError(ErrCodeGeneral, nil))
	be := NewBatchError(ErrCodeLaunch, "no binary")
	assert.Equal(t, be, WrapBatchError(ErrCodeGeneral, be))
	wrapped := WrapBatchError(ErrCodeDbFail, fmt.Errorf("conn refused"))
	assert.Equal(t, ErrCodeDbFail, wrapped.Code())
	assert.Equal(t, "conn refused", wrapped.Message())
}
