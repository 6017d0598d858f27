package cloudbatch

import (
	"os"
	"time"

	"github.com/chararch/cloudbatch/internal/logs"
)

//log
var logger logs.Logger = logs.NewLogger(os.Stdout, logs.Info)

//SetLogger set a logger instance for cloudbatch
func SetLogger(l logs.Logger) {
	if l == nil {
		panic("logger must not be nil")
	}
	logger = l
}

//defaults
const (
	DefaultChunkSize    = 20
	DefaultMaxWorkers   = 2
	DefaultPollInterval = 10 * time.Second
	DefaultJobTimeout   = time.Hour
	DefaultStopTimeout  = 30 * time.Second
	DefaultJobPoolSize  = 10
	DefaultTaskPoolSize = 100
)

//MasterStepName name of the step that enumerates, partitions and hands partitions to workers
const MasterStepName = "master"
