package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/example/driver-dispatch/internal/assignment"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/safetynet"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults so the binary
// runs locally without any infrastructure.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	LivePrefix    string

	KafkaBrokers    []string
	KafkaTopic      string
	AlertTopic      string
	PublishToKafka  bool
	FirebaseCreds   string
	StripeAPIKey    string
	StripeCurrency  string
	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	PGDSN string

	Tiers            map[models.Priority]matcher.Tier
	ScoreWeights     matcher.Weights
	Freshness        time.Duration
	SearchTimeout    time.Duration
	CandidateLimit   int
	MaxClaimAttempts int
	SearchRounds     int
	ChannelTimeout   time.Duration

	PollInterval     time.Duration
	SilenceThreshold time.Duration
	ReofferBatch     int
	ReofferFanout    int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	pol := matcher.DefaultPolicy()
	sn := safetynet.DefaultConfig()
	ac := assignment.DefaultConfig()
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		LivePrefix:       "offers",
		KafkaTopic:       "driver-locations",
		AlertTopic:       "dispatch-alerts",
		StripeCurrency:   "usd",
		ETACacheTTL:      time.Minute,
		DefaultSpeedMps:  8,
		Tiers:            pol.Tiers,
		ScoreWeights:     matcher.DefaultWeights(),
		Freshness:        10 * time.Minute,
		SearchTimeout:    3 * time.Second,
		CandidateLimit:   200,
		MaxClaimAttempts: ac.MaxClaimAttempts,
		SearchRounds:     ac.SearchRounds,
		ChannelTimeout:   3 * time.Second,
		PollInterval:     sn.Interval,
		SilenceThreshold: sn.SilenceThreshold,
		ReofferBatch:     sn.ReofferBatch,
		ReofferFanout:    sn.ReofferFanout,
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.LivePrefix, "LIVE_CHANNEL_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.AlertTopic, "KAFKA_ALERT_TOPIC")
	cfg.PublishToKafka = strings.EqualFold(os.Getenv("HEARTBEATS_VIA_KAFKA"), "true")

	cfg.FirebaseCreds = strings.TrimSpace(os.Getenv("FIREBASE_CREDENTIALS_FILE"))
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")

	for _, pr := range models.Priorities {
		t := cfg.Tiers[pr]
		key := strings.ToUpper(string(pr))
		setFloatFromEnv(&t.RadiusKm, "DISPATCH_"+key+"_RADIUS_KM", &errs)
		setFloatFromEnv(&t.MinRating, "DISPATCH_"+key+"_MIN_RATING", &errs)
		cfg.Tiers[pr] = t

		bonus := cfg.ScoreWeights.PriorityBonus[pr]
		setFloatFromEnv(&bonus, "SCORE_"+key+"_BONUS", &errs)
		cfg.ScoreWeights.PriorityBonus[pr] = bonus
	}
	setFloatFromEnv(&cfg.ScoreWeights.DistanceBase, "SCORE_DISTANCE_BASE", &errs)
	setFloatFromEnv(&cfg.ScoreWeights.DistancePenalty, "SCORE_DISTANCE_PENALTY", &errs)
	setFloatFromEnv(&cfg.ScoreWeights.RatingWeight, "SCORE_RATING_WEIGHT", &errs)
	setFloatFromEnv(&cfg.ScoreWeights.ExperienceWeight, "SCORE_EXPERIENCE_WEIGHT", &errs)
	setFloatFromEnv(&cfg.ScoreWeights.ExperienceCap, "SCORE_EXPERIENCE_CAP", &errs)

	setDurationFromEnv(&cfg.Freshness, "DISPATCH_FRESHNESS", &errs)
	setDurationFromEnv(&cfg.SearchTimeout, "DISPATCH_SEARCH_TIMEOUT", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setIntFromEnv(&cfg.MaxClaimAttempts, "DISPATCH_MAX_CLAIM_ATTEMPTS", &errs)
	setIntFromEnv(&cfg.SearchRounds, "DISPATCH_SEARCH_ROUNDS", &errs)
	setDurationFromEnv(&cfg.ChannelTimeout, "NOTIFY_CHANNEL_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.PollInterval, "SAFETYNET_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SilenceThreshold, "SAFETYNET_SILENCE", &errs)
	setIntFromEnv(&cfg.ReofferBatch, "SAFETYNET_BATCH", &errs)
	setIntFromEnv(&cfg.ReofferFanout, "SAFETYNET_FANOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	positive := map[string]int{
		"DISPATCH_CANDIDATE_LIMIT":    c.CandidateLimit,
		"DISPATCH_MAX_CLAIM_ATTEMPTS": c.MaxClaimAttempts,
		"DISPATCH_SEARCH_ROUNDS":      c.SearchRounds,
		"SAFETYNET_BATCH":             c.ReofferBatch,
		"SAFETYNET_FANOUT":            c.ReofferFanout,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.Freshness <= 0 || c.SearchTimeout <= 0 || c.PollInterval <= 0 || c.SilenceThreshold <= 0 {
		errs = append(errs, errors.New("dispatch durations must be > 0"))
	}
	if c.ScoreWeights.DistancePenalty < 0 || c.ScoreWeights.RatingWeight < 0 || c.ScoreWeights.ExperienceWeight < 0 {
		errs = append(errs, errors.New("score weights must be >= 0"))
	}
	return errs
}

func (c ServerConfig) Policy() matcher.Policy {
	tiers := make(map[models.Priority]matcher.Tier, len(c.Tiers))
	for k, v := range c.Tiers {
		tiers[k] = v
	}
	return matcher.Policy{Tiers: tiers}
}

func (c ServerConfig) Weights() matcher.Weights {
	w := c.ScoreWeights
	w.PriorityBonus = make(map[models.Priority]float64, len(c.ScoreWeights.PriorityBonus))
	for k, v := range c.ScoreWeights.PriorityBonus {
		w.PriorityBonus[k] = v
	}
	return w
}

// ConsumerConfig drives the heartbeat consumer process.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	PGDSN        string
	Retries      int
	RetryDelay   time.Duration
	LogLevel     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "driver-dispatch-consumer",
		Retries:      3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setIntFromEnv(&cfg.Retries, "CONSUMER_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, errors.New("PG_DSN is required"))
	}
	if cfg.Retries <= 0 {
		errs = append(errs, errors.New("CONSUMER_RETRIES must be > 0"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
