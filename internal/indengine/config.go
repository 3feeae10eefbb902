package indengine

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ta-systemv1/internal/indicator"
)

// Config carries the indicator engine's env-derived settings.
type Config struct {
	RedisAddr           string
	RedisPassword       string
	SQLitePath          string
	ConsumerGroup       string
	ConsumerName        string
	EnabledTFs          []int
	SnapshotIntervalS   int
	SubscribeSymbolKeys []string // "venue:symbol" keys
	SnapshotKey         string
	HTTPAddr            string
	PELIntervalS        int
	PELMinIdleMs        int64
	AdminTOTPSecret     string // gates POST /reload when non-empty
	IndicatorConfigs    []indicator.TFIndicatorConfig

	// Alert engine (off unless ALERTS_ENABLED=true)
	AlertsEnabled      bool
	AlertJournalPath   string
	AlertWebhookURL    string
	AlertTelegramToken string
	AlertTelegramChat  string
	AlertTF            int // 0 = all enabled TFs
	AlertRSIHigh       float64
	AlertRSILow        float64
	AlertRSIRearm      float64
	AlertMAFast        int
	AlertMASlow        int
}

// LoadConfig assembles a Config from the environment.
// A .env file in the working directory is merged first when present.
func LoadConfig() Config {
	_ = godotenv.Load()

	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")
	sqlitePath := getEnv("SQLITE_PATH", "data/bars.db")
	consumerGroup := getEnv("CONSUMER_GROUP", "indengine")
	consumerName := getEnv("CONSUMER_NAME", "worker-1")
	enabledTFsStr := getEnv("ENABLED_TFS", "60,120,180,300")
	snapshotIntervalStr := getEnv("SNAPSHOT_INTERVAL_SEC", "30")
	subscribeSymbols := getEnv("SUBSCRIBE_SYMBOLS", "")
	snapshotKey := getEnv("SNAPSHOT_KEY", "ind:snapshot:engine")
	httpAddr := getEnv("INDENGINE_HTTP_ADDR", ":9095")
	pelIntervalStr := getEnv("PEL_RECLAIM_INTERVAL_SEC", "30")
	pelMinIdleStr := getEnv("PEL_MIN_IDLE_MS", "60000")
	adminTOTPSecret := getEnv("ADMIN_TOTP_SECRET", "")

	pelInterval, _ := strconv.Atoi(pelIntervalStr)
	if pelInterval <= 0 {
		pelInterval = 30
	}
	pelMinIdle, _ := strconv.ParseInt(pelMinIdleStr, 10, 64)
	if pelMinIdle <= 0 {
		pelMinIdle = 60000
	}

	snapshotInterval, _ := strconv.Atoi(snapshotIntervalStr)
	if snapshotInterval <= 0 {
		snapshotInterval = 30
	}

	enabledTFs := parseTFs(enabledTFsStr)
	indConfigs := BuildIndicatorConfigs(enabledTFs)

	// A YAML specs file overrides the env-derived uniform TF mapping:
	// it declares the TF set and a per-TF indicator list in one place.
	if specsPath := getEnv("INDICATOR_SPECS_FILE", ""); specsPath != "" {
		fileConfigs, fileTFs, err := LoadSpecsFile(specsPath)
		if err != nil {
			log.Printf("[indengine] WARNING: specs file %s: %v (keeping env config)", specsPath, err)
		} else {
			indConfigs = fileConfigs
			enabledTFs = fileTFs
			log.Printf("[indengine] loaded indicator specs from %s (%d timeframes)", specsPath, len(fileTFs))
		}
	}

	symbolKeys := parseSymbolKeys(subscribeSymbols)

	alertsEnabled, _ := strconv.ParseBool(getEnv("ALERTS_ENABLED", "false"))

	return Config{
		RedisAddr:           redisAddr,
		RedisPassword:       redisPassword,
		SQLitePath:          sqlitePath,
		ConsumerGroup:       consumerGroup,
		ConsumerName:        consumerName,
		EnabledTFs:          enabledTFs,
		SnapshotIntervalS:   snapshotInterval,
		SubscribeSymbolKeys: symbolKeys,
		SnapshotKey:         snapshotKey,
		HTTPAddr:            httpAddr,
		PELIntervalS:        pelInterval,
		PELMinIdleMs:        pelMinIdle,
		AdminTOTPSecret:     adminTOTPSecret,
		IndicatorConfigs:    indConfigs,

		AlertsEnabled:      alertsEnabled,
		AlertJournalPath:   getEnv("ALERT_JOURNAL_PATH", "data/alerts.db"),
		AlertWebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),
		AlertTelegramToken: getEnv("ALERT_TELEGRAM_TOKEN", ""),
		AlertTelegramChat:  getEnv("ALERT_TELEGRAM_CHAT", ""),
		AlertTF:            getEnvInt("ALERT_TF", 0),
		AlertRSIHigh:       getEnvFloat("ALERT_RSI_HIGH", 70),
		AlertRSILow:        getEnvFloat("ALERT_RSI_LOW", 30),
		AlertRSIRearm:      getEnvFloat("ALERT_RSI_REARM", 5),
		AlertMAFast:        getEnvInt("ALERT_MA_FAST", 9),
		AlertMASlow:        getEnvInt("ALERT_MA_SLOW", 21),
	}
}

// BuildIndicatorConfigs creates indicator configurations per TF from the
// INDICATOR_CONFIGS env var.  Format: "TYPE:PERIOD,TYPE,..." where a bare
// TYPE takes the type's default period.
// Example: "RSI:14,SSMA:9,SSMA:21,SMA:20,EMA"
// If the env var is empty, sensible defaults are used.
func BuildIndicatorConfigs(tfs []int) []indicator.TFIndicatorConfig {
	indSpecs := ParseIndicatorSpecs(getEnv("INDICATOR_CONFIGS", ""))
	configs := make([]indicator.TFIndicatorConfig, len(tfs))
	for i, tf := range tfs {
		configs[i] = indicator.TFIndicatorConfig{
			TF:         tf,
			Indicators: indSpecs,
		}
	}
	return configs
}

// ParseIndicatorSpecs parses "TYPE:PERIOD,..." into []IndicatorConfig.
// A bare "TYPE" entry uses the type's default period (RSI 14, others 9).
// Returns defaults if input is empty.
func ParseIndicatorSpecs(s string) []indicator.IndicatorConfig {
	if s == "" {
		return []indicator.IndicatorConfig{
			{Type: "RSI", Period: 14},
			{Type: "SSMA", Period: 9},
			{Type: "SSMA", Period: 21},
			{Type: "SMA", Period: 20},
			{Type: "EMA", Period: 9},
		}
	}

	var configs []indicator.IndicatorConfig
	for _, part := range strings.Split(s, ",") {
		cfg, err := parseSpec(part)
		if err != nil {
			log.Printf("[indengine] skipping invalid indicator spec: %v", err)
			continue
		}
		configs = append(configs, cfg)
	}
	if len(configs) == 0 {
		log.Println("[indengine] WARNING: no valid indicators parsed, using defaults")
		return ParseIndicatorSpecs("")
	}
	log.Printf("[indengine] loaded %d indicator specs from INDICATOR_CONFIGS", len(configs))
	return configs
}

// parseSpec parses a single "TYPE:PERIOD" or bare "TYPE" entry.
func parseSpec(s string) (indicator.IndicatorConfig, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	typ := strings.ToUpper(strings.TrimSpace(parts[0]))

	if len(parts) == 1 {
		period := indicator.DefaultPeriod(typ)
		if period == 0 {
			return indicator.IndicatorConfig{}, fmt.Errorf("unknown indicator type %q", s)
		}
		return indicator.IndicatorConfig{Type: typ, Period: period}, nil
	}

	period, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || period <= 0 {
		return indicator.IndicatorConfig{}, fmt.Errorf("bad period in %q", s)
	}
	return indicator.IndicatorConfig{Type: typ, Period: period}, nil
}

// specsFile is the YAML shape for INDICATOR_SPECS_FILE:
//
//	timeframes:
//	  - tf: 60
//	    indicators: ["RSI:14", "SSMA:9"]
//	  - tf: 300
//	    indicators: ["RSI", "SSMA:21", "SMA:20"]
type specsFile struct {
	Timeframes []struct {
		TF         int      `yaml:"tf"`
		Indicators []string `yaml:"indicators"`
	} `yaml:"timeframes"`
}

// LoadSpecsFile reads a YAML indicator specs file and returns the per-TF
// configs plus the TF set it declares.
func LoadSpecsFile(path string) ([]indicator.TFIndicatorConfig, []int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read specs file: %w", err)
	}

	var sf specsFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, nil, fmt.Errorf("parse specs file: %w", err)
	}

	var (
		configs []indicator.TFIndicatorConfig
		tfs     []int
	)
	for _, entry := range sf.Timeframes {
		if entry.TF <= 0 {
			log.Printf("[indengine] specs file: skipping invalid tf %d", entry.TF)
			continue
		}
		var inds []indicator.IndicatorConfig
		for _, spec := range entry.Indicators {
			cfg, err := parseSpec(spec)
			if err != nil {
				log.Printf("[indengine] specs file tf=%d: %v", entry.TF, err)
				continue
			}
			inds = append(inds, cfg)
		}
		if len(inds) == 0 {
			log.Printf("[indengine] specs file: tf %d has no valid indicators, skipping", entry.TF)
			continue
		}
		configs = append(configs, indicator.TFIndicatorConfig{TF: entry.TF, Indicators: inds})
		tfs = append(tfs, entry.TF)
	}

	if len(configs) == 0 {
		return nil, nil, fmt.Errorf("no valid timeframes in specs file")
	}
	return configs, tfs, nil
}

func parseTFs(s string) []int {
	parts := strings.Split(s, ",")
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}

// parseSymbolKeys parses "venue:symbol,..." into composite "venue:symbol"
// keys. A bare "symbol" entry is assumed to live on the SIM venue.
func parseSymbolKeys(s string) []string {
	if s == "" {
		return nil
	}
	var keys []string
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, ":") {
			pair = "SIM:" + pair
		}
		keys = append(keys, pair)
	}
	return keys
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return f
}
