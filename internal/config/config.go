// Package config loads and validates the process configuration
// recognized by both the worker and CLI binaries (spec §6).
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Endpoint is one parsed entry of the pipe-delimited rpc_urls list:
// "url|name|max_rps".
type Endpoint struct {
	URL      string
	Name     string
	MaxRPS   float64
	Priority int
}

type ChainConfig struct {
	Endpoints              []Endpoint
	Commitment             string
	TimeoutMS              int
	SourceProgramID        string
	DestinationProgramID   string
	TokenPriceStalenessMS  int
}

type DatabaseConfig struct {
	URL                   string
	Database              string
	User                  string
	Password              string
	AsyncInsert           bool
	WaitForAsyncInsert    bool
}

type WorkflowConfig struct {
	Address      string
	Namespace    string
	MainQueue    string
	RPCQueue     string
	DBQueue      string
}

type CollectionConfig struct {
	TargetCreated   uint64
	TargetFulfilled uint64
	SignaturesBatch int
	TxBatch         int
	BatchDelay      time.Duration
	Parallel        bool
}

type WorkerMode string

const (
	ModeFull     WorkerMode = "full"
	ModeRPC      WorkerMode = "rpc"
	ModeDB       WorkerMode = "db"
	ModeWorkflow WorkerMode = "workflow"
)

type WorkerConfig struct {
	Mode                WorkerMode
	MaxWorkflowTasks    int
	MaxActivities       int
	ActivitiesPerSecond float64
}

type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

type PushConfig struct {
	Port               int
	CORSOrigin         string
	BroadcastPeriod    time.Duration
	HeartbeatPeriod    time.Duration
}

// Config is the fully-resolved, validated process configuration.
type Config struct {
	Chain      ChainConfig
	Database   DatabaseConfig
	Workflow   WorkflowConfig
	Collection CollectionConfig
	Worker     WorkerConfig
	Retry      RetryConfig
	Push       PushConfig
}

// Load reads configuration from an optional file at path (if non-empty)
// and from environment variables prefixed BACKFILL_, applying defaults
// matching spec §6.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("backfill")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	endpoints, err := parseEndpoints(v.GetString("chain.rpc_urls"))
	if err != nil {
		return nil, fmt.Errorf("config: chain.rpc_urls: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("config: chain.rpc_urls must name at least one endpoint")
	}

	cfg := &Config{
		Chain: ChainConfig{
			Endpoints:             endpoints,
			Commitment:            v.GetString("chain.commitment"),
			TimeoutMS:             v.GetInt("chain.timeout_ms"),
			SourceProgramID:       v.GetString("chain.source_program_id"),
			DestinationProgramID:  v.GetString("chain.destination_program_id"),
			TokenPriceStalenessMS: v.GetInt("chain.token_price_staleness_ms"),
		},
		Database: DatabaseConfig{
			URL:                v.GetString("database.url"),
			Database:           v.GetString("database.database"),
			User:               v.GetString("database.user"),
			Password:           v.GetString("database.password"),
			AsyncInsert:        v.GetBool("database.async_insert"),
			WaitForAsyncInsert: v.GetBool("database.wait_for_async_insert"),
		},
		Workflow: WorkflowConfig{
			Address:   v.GetString("workflow.address"),
			Namespace: v.GetString("workflow.namespace"),
			MainQueue: v.GetString("workflow.main_task_queue"),
			RPCQueue:  v.GetString("workflow.rpc_task_queue"),
			DBQueue:   v.GetString("workflow.db_task_queue"),
		},
		Collection: CollectionConfig{
			TargetCreated:   v.GetUint64("collection.target_created"),
			TargetFulfilled: v.GetUint64("collection.target_fulfilled"),
			SignaturesBatch: v.GetInt("collection.signatures_batch"),
			TxBatch:         v.GetInt("collection.tx_batch"),
			BatchDelay:      time.Duration(v.GetInt("collection.batch_delay_ms")) * time.Millisecond,
			Parallel:        v.GetBool("collection.parallel"),
		},
		Worker: WorkerConfig{
			Mode:                WorkerMode(v.GetString("worker.mode")),
			MaxWorkflowTasks:    v.GetInt("worker.max_workflow_tasks"),
			MaxActivities:       v.GetInt("worker.max_activities"),
			ActivitiesPerSecond: v.GetFloat64("worker.activities_per_second"),
		},
		Retry: RetryConfig{
			MaxRetries:   v.GetInt("retry.max_retries"),
			InitialDelay: time.Duration(v.GetInt("retry.initial_delay_ms")) * time.Millisecond,
			MaxDelay:     time.Duration(v.GetInt("retry.max_delay_ms")) * time.Millisecond,
		},
		Push: PushConfig{
			Port:            v.GetInt("push.port"),
			CORSOrigin:      v.GetString("push.cors_origin"),
			BroadcastPeriod: time.Duration(v.GetInt("push.broadcast_period_ms")) * time.Millisecond,
			HeartbeatPeriod: time.Duration(v.GetInt("push.heartbeat_period_ms")) * time.Millisecond,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.commitment", "confirmed")
	v.SetDefault("chain.timeout_ms", 60000)
	v.SetDefault("chain.token_price_staleness_ms", int(24*time.Hour/time.Millisecond))
	v.SetDefault("collection.target_created", 25000)
	v.SetDefault("collection.target_fulfilled", 25000)
	v.SetDefault("collection.signatures_batch", 1000)
	v.SetDefault("collection.tx_batch", 20)
	v.SetDefault("collection.batch_delay_ms", 500)
	v.SetDefault("collection.parallel", true)
	v.SetDefault("worker.mode", "full")
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("push.port", 3001)
	v.SetDefault("push.broadcast_period_ms", 2000)
	v.SetDefault("push.heartbeat_period_ms", 30000)
	v.SetDefault("workflow.main_task_queue", "backfill-main")
	v.SetDefault("workflow.rpc_task_queue", "backfill-rpc")
	v.SetDefault("workflow.db_task_queue", "backfill-db")
	v.SetDefault("workflow.namespace", "default")
}

// parseEndpoints parses a comma- or pipe-list-of-lists spec:
// entries are comma separated, each entry is "url|name|max_rps".
func parseEndpoints(raw string) ([]Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	endpoints := make([]Endpoint, 0, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, "|")
		ep := Endpoint{URL: fields[0], MaxRPS: 10, Priority: i}
		if len(fields) > 1 && fields[1] != "" {
			ep.Name = fields[1]
		} else {
			ep.Name = hostOf(ep.URL)
		}
		if len(fields) > 2 && fields[2] != "" {
			rps, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid max_rps %q: %w", fields[2], err)
			}
			ep.MaxRPS = rps
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func hostOf(url string) string {
	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")
	if i := strings.IndexByte(url, '/'); i >= 0 {
		url = url[:i]
	}
	return url
}

func (c *Config) validate() error {
	switch c.Worker.Mode {
	case ModeFull, ModeRPC, ModeDB, ModeWorkflow:
	default:
		return fmt.Errorf("config: worker.mode %q is not one of full|rpc|db|workflow", c.Worker.Mode)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("config: database.database is required")
	}
	if c.Collection.SignaturesBatch <= 0 {
		return fmt.Errorf("config: collection.signatures_batch must be positive")
	}
	if c.Worker.Mode == ModeFull || c.Worker.Mode == ModeWorkflow {
		if c.Chain.SourceProgramID == "" || c.Chain.DestinationProgramID == "" {
			return fmt.Errorf("config: chain.source_program_id and chain.destination_program_id are required in mode %q", c.Worker.Mode)
		}
	}
	return nil
}
