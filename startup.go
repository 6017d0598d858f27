package cloudbatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

const (
	//StartupPayloadVersion version of the payload written by this master
	StartupPayloadVersion = 1
	//StartupPayloadEnv environment variable carrying the encoded payload to a worker
	StartupPayloadEnv = "CLOUDBATCH_STARTUP_PAYLOAD"

	FlagJobExecutionId   = "job-execution-id"
	FlagStepExecutionId  = "step-execution-id"
	FlagStepName         = "step-name"
	FlagInitializeSchema = "initialize-schema"
	FlagProfile          = "profile"
)

//StartupPayload everything a worker needs to find and run its partition.
//Workers refuse payloads of an unknown version.
type StartupPayload struct {
	Version         int                    `json:"version"`
	JobName         string                 `json:"jobName"`
	JobExecutionId  int64                  `json:"jobExecutionId"`
	StepExecutionId int64                  `json:"stepExecutionId"`
	StepName        string                 `json:"stepName"`
	WorkerStep      string                 `json:"workerStep"`
	Resource        string                 `json:"resource"`
	JobResources    []string               `json:"jobResources,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
}

//Encode base64 of the JSON form
func (p *StartupPayload) Encode() (string, BatchError) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", NewBatchError(ErrCodeLaunch, "encode startup payload of step:%v failed", p.StepName, err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

//Args command line passed to the worker; the worker never initializes the schema
func (p *StartupPayload) Args() []string {
	return []string{
		fmt.Sprintf("--%s=%d", FlagJobExecutionId, p.JobExecutionId),
		fmt.Sprintf("--%s=%d", FlagStepExecutionId, p.StepExecutionId),
		fmt.Sprintf("--%s=%s", FlagStepName, p.StepName),
		fmt.Sprintf("--%s=worker", FlagProfile),
		fmt.Sprintf("--%s=false", FlagInitializeSchema),
	}
}

//Env environment passed to the worker
func (p *StartupPayload) Env() (map[string]string, BatchError) {
	encoded, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return map[string]string{StartupPayloadEnv: encoded}, nil
}

//DecodeStartupPayload inverse of Encode
func DecodeStartupPayload(encoded string) (*StartupPayload, BatchError) {
	if encoded == "" {
		return nil, NewBatchError(ErrCodeIllegalState, "startup payload is missing, env:%v", StartupPayloadEnv)
	}
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, NewBatchError(ErrCodeIllegalState, "startup payload is not base64", err)
	}
	payload := &StartupPayload{}
	if err = json.Unmarshal(b, payload); err != nil {
		return nil, NewBatchError(ErrCodeIllegalState, "startup payload is not valid json", err)
	}
	if payload.Version != StartupPayloadVersion {
		return nil, NewBatchError(ErrCodeIllegalState, "unsupported startup payload version:%v, expected:%v", payload.Version, StartupPayloadVersion)
	}
	if payload.StepExecutionId <= 0 || payload.JobExecutionId <= 0 {
		return nil, NewBatchError(ErrCodeIllegalState, "startup payload without execution ids, jobExecutionId:%v, stepExecutionId:%v", payload.JobExecutionId, payload.StepExecutionId)
	}
	return payload, nil
}

//WorkerFlags command line of a worker. Zero identifiers were not given.
type WorkerFlags struct {
	JobExecutionId   int64
	StepExecutionId  int64
	StepName         string
	Profile          string
	InitializeSchema bool
}

//Register bind f to the worker flags of fs
func (f *WorkerFlags) Register(fs *pflag.FlagSet) {
	fs.Int64Var(&f.JobExecutionId, FlagJobExecutionId, 0, "job execution of the partition")
	fs.Int64Var(&f.StepExecutionId, FlagStepExecutionId, 0, "step execution of the partition")
	fs.StringVar(&f.StepName, FlagStepName, "", "partition name")
	fs.StringVar(&f.Profile, FlagProfile, "worker", "runtime profile")
	fs.BoolVar(&f.InitializeSchema, FlagInitializeSchema, false, "create or upgrade the schema before running")
}

//ParseWorkerFlags worker flags of args, other arguments are ignored
func ParseWorkerFlags(args []string) (WorkerFlags, BatchError) {
	var flags WorkerFlags
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	flags.Register(fs)
	if err := fs.Parse(args); err != nil {
		return flags, NewBatchError(ErrCodeIllegalState, "invalid worker arguments:%v", args, err)
	}
	return flags, nil
}

//ParseStartupPayload decode the payload from env and check it against the identifiers given to the worker
func ParseStartupPayload(flags WorkerFlags, env map[string]string) (*StartupPayload, BatchError) {
	payload, err := DecodeStartupPayload(env[StartupPayloadEnv])
	if err != nil {
		return nil, err
	}
	if flags.JobExecutionId != 0 && flags.JobExecutionId != payload.JobExecutionId {
		return nil, NewBatchError(ErrCodeIllegalState, "job execution id of arguments:%v does not match payload:%v", flags.JobExecutionId, payload.JobExecutionId)
	}
	if flags.StepExecutionId != 0 && flags.StepExecutionId != payload.StepExecutionId {
		return nil, NewBatchError(ErrCodeIllegalState, "step execution id of arguments:%v does not match payload:%v", flags.StepExecutionId, payload.StepExecutionId)
	}
	if flags.StepName != "" && flags.StepName != payload.StepName {
		return nil, NewBatchError(ErrCodeIllegalState, "step name of arguments:%v does not match payload:%v", flags.StepName, payload.StepName)
	}
	return payload, nil
}
