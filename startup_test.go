package cloudbatch

import (
	"encoding/base64"
	"testing"

	"github.com/bmizerany/assert"
)

func testPayload() *StartupPayload {
	return &StartupPayload{
		Version:         StartupPayloadVersion,
		JobName:         "s3jdbc",
		JobExecutionId:  7,
		StepExecutionId: 9,
		StepName:        "partition1",
		WorkerStep:      "workerStep",
		Resource:        "/data/b.csv",
		JobResources:    []string{"/data/a.csv", "/data/b.csv"},
		Context:         map[string]interface{}{PartitionResourceKey: "/data/b.csv"},
	}
}

func TestStartupPayload_RoundTrip(t *testing.T) {
	payload := testPayload()
	env, err := payload.Env()
	assert.Equal(t, nil, err)

	flags, err := ParseWorkerFlags(payload.Args())
	assert.Equal(t, nil, err)
	decoded, err := ParseStartupPayload(flags, env)
	assert.Equal(t, nil, err)
	assert.Equal(t, payload, decoded)
}

func TestStartupPayload_Args(t *testing.T) {
	args := testPayload().Args()
	assert.Equal(t, []string{
		"--job-execution-id=7",
		"--step-execution-id=9",
		"--step-name=partition1",
		"--profile=worker",
		"--initialize-schema=false",
	}, args)

	flags, err := ParseWorkerFlags(append([]string{"worker", "--extra=x"}, args...))
	assert.Equal(t, nil, err)
	assert.Equal(t, WorkerFlags{JobExecutionId: 7, StepExecutionId: 9, StepName: "partition1", Profile: "worker"}, flags)

	flags, err = ParseWorkerFlags([]string{"--initialize-schema"})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, flags.InitializeSchema)
	assert.Equal(t, int64(0), flags.StepExecutionId)

	_, err = ParseWorkerFlags([]string{"--step-execution-id=nine"})
	assert.Equal(t, ErrCodeIllegalState, err.Code())
}

func TestDecodeStartupPayload_Invalid(t *testing.T) {
	future := testPayload()
	future.Version = StartupPayloadVersion + 1
	futureEnc, _ := future.Encode()
	noIds := testPayload()
	noIds.StepExecutionId = 0
	noIdsEnc, _ := noIds.Encode()

	for _, encoded := range []string{
		"",
		"%%%not-base64",
		base64.StdEncoding.EncodeToString([]byte("{broken")),
		futureEnc,
		noIdsEnc,
	} {
		_, err := DecodeStartupPayload(encoded)
		assert.NotEqual(t, nil, err)
		assert.Equal(t, ErrCodeIllegalState, err.Code())
	}
}

func TestParseStartupPayload_Mismatch(t *testing.T) {
	env, _ := testPayload().Env()
	for _, flags := range []WorkerFlags{
		{JobExecutionId: 8},
		{StepExecutionId: 10},
		{StepName: "partition0"},
	} {
		_, err := ParseStartupPayload(flags, env)
		assert.Equal(t, ErrCodeIllegalState, err.Code())
	}
	payload, err := ParseStartupPayload(WorkerFlags{StepName: "partition1"}, env)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(9), payload.StepExecutionId)
}
