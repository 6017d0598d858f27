// Package cli builds the cloudbatch command line.
//
//	cloudbatch master --config job.yaml [--param run.date=2024-01-31]
//	    runs the job: enumerates resources, launches one worker per partition, waits for them
//	cloudbatch worker --config job.yaml --job-execution-id=.. --step-execution-id=.. --step-name=..
//	    runs one partition; started by the master with the startup payload in its environment
//
// SIGINT/SIGTERM on the master asks the job to stop; on a worker it stops the partition at the next chunk.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chararch/cloudbatch"
	"github.com/chararch/cloudbatch/config"
	"github.com/chararch/cloudbatch/database"
	"github.com/chararch/cloudbatch/file"
	"github.com/chararch/cloudbatch/internal/logs"
	"github.com/chararch/cloudbatch/internal/metrics"
	"github.com/chararch/cloudbatch/sample"
	"github.com/chararch/cloudbatch/status"
	"github.com/chararch/cloudbatch/util"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Version of the command line
var Version = "dev"

type options struct {
	configFile string
	envFile    string
}

func BuildCLI() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "cloudbatch",
		Short:         "Partitioned batch loading of delimited files into a relational store",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", ".env file loaded before the environment is read")

	rootCmd.AddCommand(buildMasterCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand(opts))
	return rootCmd
}

func buildMasterCommand(opts *options) *cobra.Command {
	var params map[string]string
	var initializeSchema bool
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the job: partition the resources and launch the workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("initialize-schema") {
				cfg.Job.InitializeSchema = initializeSchema
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runMaster(ctx, cfg, opts, params)
		},
	}
	cmd.Flags().StringToStringVar(&params, "param", nil, "job parameter key=value, repeatable")
	cmd.Flags().BoolVar(&initializeSchema, "initialize-schema", true, "create or upgrade the schema before running")
	return cmd
}

func buildWorkerCommand(opts *options) *cobra.Command {
	var flags cloudbatch.WorkerFlags
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one partition of a job, as launched by the master",
		//pass-through worker arguments are not ours to reject
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cfg.Job.InitializeSchema = flags.InitializeSchema
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, flags, map[string]string{
				cloudbatch.StartupPayloadEnv: os.Getenv(cloudbatch.StartupPayloadEnv),
			})
		},
	}
	flags.Register(cmd.Flags())
	_ = cmd.MarkFlagRequired(cloudbatch.FlagStepExecutionId)
	return cmd
}

func loadConfig(opts *options) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	cloudbatch.SetLogger(logs.NewLogger(os.Stdout, logs.ParseLevel(cfg.Logging.Level)))
	return cfg, nil
}

// runtime shared wiring of master and worker
type runtime struct {
	cfg        *config.Config
	db         *sql.DB
	dialect    database.Dialect
	repository cloudbatch.JobRepository
	storages   *file.Registry
	registry   *prometheus.Registry
	collector  *metrics.Collector
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Job.InitializeSchema {
		if err = initializeSchema(cfg.Database); err != nil {
			db.Close()
			return nil, err
		}
	}
	dialect := database.ParseDialect(cfg.Database.Type)
	registry := prometheus.NewRegistry()
	return &runtime{
		cfg:        cfg,
		db:         db,
		dialect:    dialect,
		repository: cloudbatch.NewSQLJobRepository(db, dialect),
		storages: file.NewRegistry(file.FTPFileSystem{
			Host:        cfg.FTP.Host,
			Port:        cfg.FTP.Port,
			User:        cfg.FTP.User,
			Password:    cfg.FTP.Password,
			ConnTimeout: cfg.FTP.Timeout,
		}),
		registry:  registry,
		collector: metrics.NewCollector(registry),
	}, nil
}

func initializeSchema(cfg config.DatabaseConfig) error {
	if database.ParseDialect(cfg.Type) == database.Snowflake {
		return errors.New("schema initialization is not supported on snowflake, run with --initialize-schema=false")
	}
	if _, err := database.MigrateRepository(cfg); err != nil {
		return err
	}
	if _, err := sample.MigrateFoo(cfg); err != nil {
		return err
	}
	return nil
}

func (rt *runtime) loadStep() cloudbatch.Step {
	return sample.NewLoadStep(sample.LoadStepOptions{
		DB:              rt.db,
		Dialect:         rt.dialect,
		Repository:      rt.repository,
		Stager:          cloudbatch.NewResourceStager(rt.storages, rt.cfg.Job.StagingDir),
		ChunkSize:       uint(rt.cfg.Job.ChunkSize),
		SkipLimit:       int64(rt.cfg.Job.SkipLimit),
		KeepStagedFiles: rt.cfg.Job.KeepStagedFiles,
		Metrics:         rt.collector,
	})
}

func (rt *runtime) launcher(opts *options) (cloudbatch.TaskLauncher, error) {
	if rt.cfg.Job.Launcher == "local" {
		handler := cloudbatch.NewStepExecutionHandler(rt.repository, rt.loadStep())
		return cloudbatch.NewLocalTaskLauncher(rt.cfg.Job.MaxWorkers, handler.WorkerFunc()), nil
	}
	binary := rt.cfg.Job.WorkerApp
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "locate worker executable")
		}
		binary = self
	}
	baseArgs := []string{"worker"}
	if opts.configFile != "" {
		baseArgs = append(baseArgs, "--config", opts.configFile)
	}
	if opts.envFile != "" {
		baseArgs = append(baseArgs, "--env-file", opts.envFile)
	}
	return &cloudbatch.ProcessTaskLauncher{
		Binary:   binary,
		BaseArgs: baseArgs,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}, nil
}

func (rt *runtime) serveMetrics() *http.Server {
	if !rt.cfg.Metrics.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(rt.registry))
	srv := &http.Server{Addr: rt.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()
	return srv
}

func runMaster(ctx context.Context, cfg *config.Config, opts *options, params map[string]string) error {
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.db.Close()
	if srv := rt.serveMetrics(); srv != nil {
		defer srv.Close()
	}
	launcher, err := rt.launcher(opts)
	if err != nil {
		return err
	}
	if local, ok := launcher.(*cloudbatch.LocalTaskLauncher); ok {
		defer local.Release()
	}
	handler := cloudbatch.NewPartitionHandler(launcher, rt.repository).
		App(cfg.Job.ApplicationName).
		WorkerStep(sample.WorkerStepName).
		MaxWorkers(cfg.Job.MaxWorkers).
		PollInterval(cfg.Job.PollInterval).
		Timeout(cfg.Job.Timeout).
		StopTimeout(cfg.Job.StopTimeout).
		FailFast(cfg.Job.FailFast).
		WorkerArgs(cfg.Job.WorkerArgs...).
		Metrics(rt.collector)
	enumerator := cloudbatch.NewResourceEnumerator(rt.storages)
	builder := cloudbatch.NewJob(cfg.Job.Name).
		ResourcePath(cfg.Job.ResourcePath).
		Enumerator(enumerator).
		Handler(handler).
		Repository(rt.repository).
		Metrics(rt.collector)
	if cfg.Job.StageOnMaster {
		builder.Listener(&cloudbatch.StagingJobListener{
			Enumerator: enumerator,
			Stager:     cloudbatch.NewResourceStager(rt.storages, cfg.Job.StagingDir),
			Keep:       cfg.Job.KeepStagedFiles,
		})
	}
	job, err := builder.Build()
	if err != nil {
		return err
	}

	operator := cloudbatch.NewJobOperator(rt.repository, 1)
	defer operator.Release()
	if err = operator.Register(job); err != nil {
		return err
	}
	jobParams, err := util.ToJSON(params)
	if err != nil {
		return errors.Wrap(err, "encode job params")
	}
	jobExecutionId, err := operator.StartAsync(context.Background(), job.Name(), jobParams)
	if err != nil {
		return err
	}
	execution, err := waitJob(ctx, operator, jobExecutionId)
	if err != nil {
		return err
	}
	printSummary(execution)
	if execution.JobStatus != status.COMPLETED {
		return errors.Errorf("job %v ended %v: %v", execution.JobName, execution.JobStatus, execution.ExitMessage)
	}
	return nil
}

// waitJob follow the execution until it is over, asking it to stop once ctx is done
func waitJob(ctx context.Context, operator *cloudbatch.JobOperator, jobExecutionId int64) (*cloudbatch.JobExecution, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	stopping := false
	for {
		select {
		case <-ctx.Done():
			if !stopping {
				stopping = true
				if err := operator.Stop(context.Background(), jobExecutionId); err != nil {
					fmt.Fprintf(os.Stderr, "stop job execution %v: %v\n", jobExecutionId, err)
				}
			}
		case <-ticker.C:
		}
		execution, err := operator.JobExecution(context.Background(), jobExecutionId)
		if err != nil {
			return nil, err
		}
		if execution.JobStatus.IsTerminal() {
			return execution, nil
		}
		if stopping {
			//ctx stays done, wait on the ticker only
			<-ticker.C
		}
	}
}

func printSummary(execution *cloudbatch.JobExecution) {
	fmt.Printf("job %v execution %v: %v\n", execution.JobName, execution.JobExecutionId, execution.JobStatus)
	for _, se := range execution.StepExecutions {
		fmt.Printf("  %-12v %-10v read=%v write=%v commit=%v skip=%v rollback=%v %v\n",
			se.StepName, se.StepStatus, se.ReadCount, se.WriteCount, se.CommitCount, se.SkipCount, se.RollbackCount, se.ExitMessage)
	}
}

func runWorker(ctx context.Context, cfg *config.Config, flags cloudbatch.WorkerFlags, env map[string]string) error {
	payload, be := cloudbatch.ParseStartupPayload(flags, env)
	if be != nil {
		return be
	}
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.db.Close()
	handler := cloudbatch.NewStepExecutionHandler(rt.repository, rt.loadStep())
	if be = handler.Handle(ctx, payload); be != nil {
		return be
	}
	return nil
}
