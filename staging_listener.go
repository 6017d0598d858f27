package cloudbatch

import (
	"context"
	"os"

	"github.com/chararch/cloudbatch/status"
)

//StagingJobListener stages every resource of the job before the master step and
//publishes the local copies, in enumeration order, under JobLocalFilesKey
type StagingJobListener struct {
	Enumerator ResourceEnumerator
	Stager     ResourceStager
	//Keep leave the staged copies after the job, removed otherwise
	Keep bool
}

func (l *StagingJobListener) BeforeJob(ctx context.Context, execution *JobExecution) BatchError {
	v, err := execution.JobContext.Get(JobScope, JobResourcePathKey)
	if err != nil {
		return NewBatchError(ErrCodeResolution, "job:%v has no resolved resource path", execution.JobName, err)
	}
	pattern, _ := v.(string)
	resources, err := l.Enumerator.Enumerate(ctx, pattern)
	if err != nil {
		return err
	}
	localFiles := make([]string, 0, len(resources))
	for _, r := range resources {
		localFile, e := l.Stager.Stage(ctx, r)
		if e != nil {
			removeAll(ctx, localFiles)
			return e
		}
		localFiles = append(localFiles, localFile)
	}
	logger.Info(ctx, "job resources staged, jobExecutionId:%v, count:%v", execution.JobExecutionId, len(localFiles))
	return execution.JobContext.Put(JobScope, JobLocalFilesKey, localFiles)
}

func (l *StagingJobListener) AfterJob(ctx context.Context, execution *JobExecution) BatchError {
	if l.Keep {
		return nil
	}
	localFiles, err := execution.JobContext.Job().GetStringSlice(JobLocalFilesKey)
	if err != nil {
		return nil
	}
	removeAll(ctx, localFiles)
	if execution.JobStatus != status.COMPLETED {
		logger.Info(ctx, "staged files removed after unsuccessful job, jobExecutionId:%v, status:%v", execution.JobExecutionId, execution.JobStatus)
	}
	return nil
}

func removeAll(ctx context.Context, files []string) {
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			logger.Warn(ctx, "remove staged file failed, file:%v, err:%v", f, err)
		}
	}
}
