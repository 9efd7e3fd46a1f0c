package config

// Config is the engine's assembled configuration: defaults, overlaid
// with the platform backend, overlaid with SESH_* environment
// variables.
type Config struct {
	Backend BackendConfig
	Storage StorageConfig
	Cache   CacheConfig
	Log     LogConfig
}

type BackendConfig struct {
	BaseURL        string
	UserID         string
	TimeoutSeconds int
	APIToken       string
}

type StorageConfig struct {
	DataDir       string
	RetentionDays int
}

type CacheConfig struct {
	MaxSessions    int
	EvictionSlack  int
	HistoryLimit   int
	StaleAfterDays int
}

type LogConfig struct {
	Level string
}

const (
	keychainService = "sesh"
	keychainAccount = "api_token"
)

func defaults() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			UserID:         "default_user",
			TimeoutSeconds: 60,
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			RetentionDays: 30,
		},
		Cache: CacheConfig{
			MaxSessions:    20,
			EvictionSlack:  5,
			HistoryLimit:   100,
			StaleAfterDays: 7,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.sesh.app) and the
// API token falls back to macOS Keychain. Elsewhere the backend is a
// JSON file at $XDG_CONFIG_HOME/sesh/config.json and the token falls
// back to $XDG_DATA_HOME/sesh/secrets.json.
//
// Environment variables (SESH_*) override backend values on all
// platforms. An absent token is not an error; the backend may not
// require one.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Backend.APIToken == "" {
		if token, err := kc.Get(keychainService, keychainAccount); err == nil && token != "" {
			cfg.Backend.APIToken = token
		}
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	return keychainGet(service, account)
}
