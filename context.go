package cloudbatch

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type batchContext struct {
	kvs map[string]interface{}
}

//BatchContext contains properties during a job or step execution
type BatchContext struct {
	ctx batchContext
}

//NewBatchContext new instance
func NewBatchContext() *BatchContext {
	c := &BatchContext{
		ctx: batchContext{
			kvs: map[string]interface{}{},
		},
	}
	return c
}

func (ctx *BatchContext) Put(key string, value interface{}) {
	ctx.ctx.kvs[key] = value
}

func (ctx *BatchContext) Exists(key string) bool {
	val := ctx.ctx.kvs[key]
	return val != nil
}

func (ctx *BatchContext) Remove(key string) {
	delete(ctx.ctx.kvs, key)
}

func (ctx *BatchContext) Get(key string, def ...interface{}) interface{} {
	val := ctx.ctx.kvs[key]
	if val == nil && len(def) > 0 {
		val = def[0]
	}
	return val
}

func (ctx *BatchContext) GetInt(key string, def ...int) (int, error) {
	v := ctx.ctx.kvs[key]
	if v == nil && len(def) > 0 {
		return def[0], nil
	}
	if v != nil {
		switch r := v.(type) {
		case int:
			return r, nil
		case int8:
			return int(r), nil
		case int16:
			return int(r), nil
		case int32:
			return int(r), nil
		case int64:
			return int(r), nil
		case uint:
			return int(r), nil
		case uint8:
			return int(r), nil
		case uint16:
			return int(r), nil
		case uint32:
			return int(r), nil
		case uint64:
			return int(r), nil
		case float32:
			return int(r), nil
		case float64:
			return int(r), nil
		}
	}
	return 0, errors.Errorf("value is nil or not int: %v", v)
}

func (ctx *BatchContext) GetInt64(key string, def ...int64) (int64, error) {
	v := ctx.ctx.kvs[key]
	if v == nil && len(def) > 0 {
		return def[0], nil
	}
	if v != nil {
		switch r := v.(type) {
		case int:
			return int64(r), nil
		case int8:
			return int64(r), nil
		case int16:
			return int64(r), nil
		case int32:
			return int64(r), nil
		case int64:
			return int64(r), nil
		case uint:
			return int64(r), nil
		case uint8:
			return int64(r), nil
		case uint16:
			return int64(r), nil
		case uint32:
			return int64(r), nil
		case uint64:
			return int64(r), nil
		case float32:
			return int64(r), nil
		case float64:
			return int64(r), nil
		}
	}
	return 0, errors.Errorf("value is nil or not int64: %v", v)
}

func (ctx *BatchContext) GetString(key string, def ...string) (string, error) {
	v := ctx.ctx.kvs[key]
	if v == nil && len(def) > 0 {
		return def[0], nil
	}
	if v != nil {
		if r, ok := v.(string); ok {
			return r, nil
		}
	}
	return "", errors.Errorf("value is nil or not string: %v", v)
}

func (ctx *BatchContext) GetBool(key string, def ...bool) (bool, error) {
	v := ctx.ctx.kvs[key]
	if v == nil && len(def) > 0 {
		return def[0], nil
	}
	if v != nil {
		if r, ok := v.(bool); ok {
			return r, nil
		}
	}
	return false, errors.Errorf("value is nil or not bool: %v", v)
}

//GetStringSlice reads a []string value, also accepting the []interface{} form produced by JSON decoding
func (ctx *BatchContext) GetStringSlice(key string) ([]string, error) {
	switch r := ctx.ctx.kvs[key].(type) {
	case []string:
		return append([]string(nil), r...), nil
	case []interface{}:
		result := make([]string, 0, len(r))
		for _, e := range r {
			s, ok := e.(string)
			if !ok {
				return nil, errors.Errorf("element of %v is not string: %v", key, e)
			}
			result = append(result, s)
		}
		return result, nil
	case nil:
		return nil, errors.Errorf("value is nil: %v", key)
	default:
		return nil, errors.Errorf("value is not string slice: %v", r)
	}
}

//Keys all keys in ascending order
func (ctx *BatchContext) Keys() []string {
	keys := make([]string, 0, len(ctx.ctx.kvs))
	for k := range ctx.ctx.kvs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

//Len number of entries
func (ctx *BatchContext) Len() int {
	return len(ctx.ctx.kvs)
}

func (ctx *BatchContext) DeepCopy() *BatchContext {
	result := NewBatchContext()
	if ctx == nil {
		return result
	}
	for key, value := range ctx.ctx.kvs {
		if ss, ok := value.([]string); ok {
			value = append([]string(nil), ss...)
		}
		result.Put(key, value)
	}
	return result
}

func (ctx *BatchContext) Merge(other *BatchContext) {
	for key, value := range other.ctx.kvs {
		ctx.Put(key, value)
	}
}

func (ctx *BatchContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(ctx.ctx.kvs)
}

func (ctx *BatchContext) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &ctx.ctx.kvs)
}

//ChunkContext state of the chunk being read, processed and written
type ChunkContext struct {
	Context       context.Context
	StepExecution *StepExecution
	Tx            interface{}
	End           bool
}

//Scope addresses the job-wide context or the context of one named step
type Scope struct {
	step string
}

//JobScope values visible to the whole job, shipped to every worker
var JobScope = Scope{}

//StepScope values owned by a single step execution, stored in its StepExecutionContext
func StepScope(stepName string) Scope {
	return Scope{step: stepName}
}

//IsJob whether the scope is the job scope
func (s Scope) IsJob() bool {
	return s.step == ""
}

func (s Scope) String() string {
	if s.IsJob() {
		return "job"
	}
	return "step:" + s.step
}

//JobExecutionContext scoped key/value store of one job execution.
//Job scope becomes read-only once sealed, that is after the master step completes.
//The scope of a step is the StepExecutionContext of the execution bound to it, it persists with that execution.
type JobExecutionContext struct {
	mu     sync.RWMutex
	job    *BatchContext
	steps  map[string]*BatchContext
	sealed bool
}

//NewJobExecutionContext new instance
func NewJobExecutionContext() *JobExecutionContext {
	return &JobExecutionContext{
		job:   NewBatchContext(),
		steps: make(map[string]*BatchContext),
	}
}

//Put store value under key in scope
func (c *JobExecutionContext) Put(scope Scope, key string, value interface{}) BatchError {
	if key == "" {
		return NewBatchError(ErrCodeIllegalState, "context key must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if scope.IsJob() {
		if c.sealed {
			return NewBatchError(ErrCodeIllegalState, "job context is read-only after the master step, key:%v", key)
		}
		if !isFlatValue(value) {
			return NewBatchError(ErrCodeIllegalState, "value of %v can not cross process boundaries: %T", key, value)
		}
		c.job.Put(key, value)
		return nil
	}
	ctx, ok := c.steps[scope.step]
	if !ok {
		return NewBatchError(ErrCodeIllegalState, "no step execution bound to %v, key:%v", scope, key)
	}
	ctx.Put(key, value)
	return nil
}

//Get read value of key in scope
func (c *JobExecutionContext) Get(scope Scope, key string) (interface{}, BatchError) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctx := c.job
	if !scope.IsJob() {
		ctx = c.steps[scope.step]
	}
	if ctx == nil || !ctx.Exists(key) {
		return nil, NewBatchError(ErrCodeNotFound, "key %v not found in %v context", key, scope)
	}
	return ctx.Get(key), nil
}

//GetString read a string value of key in scope
func (c *JobExecutionContext) GetString(scope Scope, key string) (string, BatchError) {
	v, err := c.Get(scope, key)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", NewBatchError(ErrCodeIllegalState, "value of %v in %v context is %T, not a string", key, scope, v)
	}
	return str, nil
}

//Bind make the StepExecutionContext of execution the scope of its step
func (c *JobExecutionContext) Bind(execution *StepExecution) {
	if execution.StepExecutionContext == nil {
		execution.StepExecutionContext = NewBatchContext()
	}
	c.mu.Lock()
	c.steps[execution.StepName] = execution.StepExecutionContext
	c.mu.Unlock()
	execution.jobContext = c
}

//Seal make job scope read-only
func (c *JobExecutionContext) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

//Sealed whether job scope is read-only
func (c *JobExecutionContext) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

//Job snapshot of job scope
func (c *JobExecutionContext) Job() *BatchContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.job.DeepCopy()
}

func (c *JobExecutionContext) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.job)
}

func (c *JobExecutionContext) UnmarshalJSON(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		c.job = NewBatchContext()
	}
	if c.steps == nil {
		c.steps = make(map[string]*BatchContext)
	}
	return json.Unmarshal(b, c.job)
}

func (c *JobExecutionContext) deepCopy() *JobExecutionContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	//step scopes stay with their executions
	return &JobExecutionContext{
		job:    c.job.DeepCopy(),
		steps:  make(map[string]*BatchContext),
		sealed: c.sealed,
	}
}

//isFlatValue reports whether v is a scalar, a byte/string list or a JSON serializable struct
func isFlatValue(v interface{}) bool {
	if v == nil {
		return false
	}
	switch v.(type) {
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number, []string, []byte:
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Interface:
		return false
	}
	_, err := json.Marshal(v)
	return err == nil
}
