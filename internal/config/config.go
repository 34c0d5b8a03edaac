// Package config loads control-plane settings from the environment,
// following the teacher's getEnvDefault convention (task_executor.go) rather
// than a config file format.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is every key enumerated in the external-interfaces configuration
// list, read once at startup.
type Config struct {
	BoltDBPath string
	HTTPAddr   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL string

	AccessTokenTTL time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	MaxConcurrentSubtasks    int
	MaxSubtasksPerWorker     int
	SchedulerInterval        time.Duration
	MaxQueueAllocationAttempts int

	AllocatorWeightToolMatch float64
	AllocatorWeightResources float64
	AllocatorWeightPrivacy   float64

	ResourceThresholdCPUHigh  float64
	ResourceThresholdMemHigh  float64
	ResourceThresholdDiskHigh float64

	EvaluationThreshold  float64
	ReviewScoreThreshold float64
	MaxFixCycles         int

	CheckpointSubtaskInterval     int
	CheckpointMaxCorrectionCycles int
	CheckpointTimeoutHours        int

	CheckpointEnableErrorTrigger      bool
	CheckpointEnableEvaluationTrigger bool
	CheckpointEnablePeriodicTrigger   bool
	CheckpointEnableTimeoutTrigger    bool

	JWTSigningKey string
}

// Load reads Config from the environment, applying the defaults called out
// in the spec's configuration table.
func Load() Config {
	return Config{
		BoltDBPath: getEnvDefault("SWARM_BOLTDB_PATH", "./data"),
		HTTPAddr:   getEnvDefault("SWARM_HTTP_ADDR", ":8080"),

		RedisAddr:     getEnvDefault("SWARM_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnvDefault("SWARM_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("SWARM_REDIS_DB", 0),

		NATSURL: getEnvDefault("SWARM_NATS_URL", "127.0.0.1:4222"),

		AccessTokenTTL: getEnvDuration("SWARM_ACCESS_TOKEN_TTL", 15*time.Minute),

		HeartbeatInterval: getEnvDuration("SWARM_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvDuration("SWARM_HEARTBEAT_TIMEOUT", 90*time.Second),

		MaxConcurrentSubtasks:      getEnvInt("SWARM_MAX_CONCURRENT_SUBTASKS", 20),
		MaxSubtasksPerWorker:       getEnvInt("SWARM_MAX_SUBTASKS_PER_WORKER", 1),
		SchedulerInterval:          getEnvDuration("SWARM_SCHEDULER_INTERVAL", 30*time.Second),
		MaxQueueAllocationAttempts: getEnvInt("SWARM_MAX_QUEUE_ALLOCATION_ATTEMPTS", 50),

		AllocatorWeightToolMatch: getEnvFloat("SWARM_ALLOCATOR_WEIGHT_TOOL_MATCH", 0.5),
		AllocatorWeightResources: getEnvFloat("SWARM_ALLOCATOR_WEIGHT_RESOURCES", 0.3),
		AllocatorWeightPrivacy:   getEnvFloat("SWARM_ALLOCATOR_WEIGHT_PRIVACY", 0.2),

		ResourceThresholdCPUHigh:  getEnvFloat("SWARM_RESOURCE_THRESHOLD_CPU_HIGH", 85),
		ResourceThresholdMemHigh:  getEnvFloat("SWARM_RESOURCE_THRESHOLD_MEM_HIGH", 85),
		ResourceThresholdDiskHigh: getEnvFloat("SWARM_RESOURCE_THRESHOLD_DISK_HIGH", 90),

		EvaluationThreshold:  getEnvFloat("SWARM_EVALUATION_THRESHOLD", 7.0),
		ReviewScoreThreshold: getEnvFloat("SWARM_REVIEW_SCORE_THRESHOLD", 6.0),
		MaxFixCycles:         getEnvInt("SWARM_MAX_FIX_CYCLES", 2),

		CheckpointSubtaskInterval:     getEnvInt("SWARM_CHECKPOINT_SUBTASK_INTERVAL", 1),
		CheckpointMaxCorrectionCycles: getEnvInt("SWARM_CHECKPOINT_MAX_CORRECTION_CYCLES", 3),
		CheckpointTimeoutHours:        getEnvInt("SWARM_CHECKPOINT_TIMEOUT_HOURS", 24),

		CheckpointEnableErrorTrigger:      getEnvBool("SWARM_CHECKPOINT_ENABLE_ERROR_TRIGGER", true),
		CheckpointEnableEvaluationTrigger: getEnvBool("SWARM_CHECKPOINT_ENABLE_EVALUATION_TRIGGER", true),
		CheckpointEnablePeriodicTrigger:   getEnvBool("SWARM_CHECKPOINT_ENABLE_PERIODIC_TRIGGER", true),
		CheckpointEnableTimeoutTrigger:    getEnvBool("SWARM_CHECKPOINT_ENABLE_TIMEOUT_TRIGGER", true),

		JWTSigningKey: getEnvDefault("SWARM_JWT_SIGNING_KEY", "dev-insecure-signing-key"),
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
