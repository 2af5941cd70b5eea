package atlas

import (
	"strings"

	"github.com/spf13/viper"
)

// Config carries every server option. All fields bind to environment
// variables; the CLI overrides a few of them with flags.
type Config struct {
	SSHHost string
	SSHPort int
	Port    int

	EnableRateLimit bool
	RateReqLimit    int
	RateTimeWindow  int
	RateGlobalLimit int
	RateMinInterval int

	EnableAuth      bool
	TokenTTLSeconds int

	LidarAtlasPath    string
	LazDirectory      string
	GpkgAtlasPath     string
	GpkgDataDirectory string
	RegistryPath      string

	AccessRequestsDir           string
	AccessReqWindowSeconds      int
	AccessReqMinIntervalSeconds int
	AccessReqMaxPerIP           int
	AccessReqMaxPerEmail        int
	AccessReqMaxBodyBytes       int

	GitHubAPIURL       string
	GitHubRepo         string
	AccessGitHubToken  string
	AccessGitHubLabels []string

	Cors string
}

// LoadConfig reads the environment. Defaults mirror the reference
// deployment.
func LoadConfig() Config {
	v := viper.New()
	for key, def := range map[string]interface{}{
		"SSH_HOST":                        "data2.dtcc.chalmers.se",
		"SSH_PORT":                        22,
		"PORT":                            8001,
		"ENABLE_RATE_LIMIT":               true,
		"RATE_REQ_LIMIT":                  5,
		"RATE_TIME_WINDOW":                30,
		"RATE_GLOBAL_LIMIT":               20,
		"RATE_MIN_INTERVAL_MS":            0,
		"ENABLE_AUTH":                     true,
		"TOKEN_TTL_SECONDS":               3600,
		"LIDAR_ATLAS_PATH":                "",
		"LAZ_DIRECTORY":                   "",
		"GPKG_ATLAS_PATH":                 "",
		"GPKG_DATA_DIRECTORY":             "",
		"DATASET_REGISTRY_PATH":           "",
		"ACCESS_REQUESTS_DIR":             "access_requests",
		"ACCESS_REQ_WINDOW_SECONDS":       3600,
		"ACCESS_REQ_MIN_INTERVAL_SECONDS": 30,
		"ACCESS_REQ_MAX_PER_IP":           5,
		"ACCESS_REQ_MAX_PER_EMAIL":        3,
		"ACCESS_REQ_MAX_BODY_BYTES":       2048,
		"GITHUB_API_URL":                  "https://api.github.com",
		"GITHUB_REPO":                     "dtcc-platform/dtcc-auth",
		"ACCESS_GITHUB_TOKEN":             "",
		"ACCESS_GITHUB_LABELS":            "access-request",
		"CORS_ORIGIN":                     "",
	} {
		v.SetDefault(key, def)
		v.BindEnv(key)
	}

	var labels []string
	for _, s := range strings.Split(v.GetString("ACCESS_GITHUB_LABELS"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			labels = append(labels, s)
		}
	}

	return Config{
		SSHHost:                     v.GetString("SSH_HOST"),
		SSHPort:                     v.GetInt("SSH_PORT"),
		Port:                        v.GetInt("PORT"),
		EnableRateLimit:             v.GetBool("ENABLE_RATE_LIMIT"),
		RateReqLimit:                v.GetInt("RATE_REQ_LIMIT"),
		RateTimeWindow:              v.GetInt("RATE_TIME_WINDOW"),
		RateGlobalLimit:             v.GetInt("RATE_GLOBAL_LIMIT"),
		RateMinInterval:             v.GetInt("RATE_MIN_INTERVAL_MS"),
		EnableAuth:                  v.GetBool("ENABLE_AUTH"),
		TokenTTLSeconds:             v.GetInt("TOKEN_TTL_SECONDS"),
		LidarAtlasPath:              v.GetString("LIDAR_ATLAS_PATH"),
		LazDirectory:                v.GetString("LAZ_DIRECTORY"),
		GpkgAtlasPath:               v.GetString("GPKG_ATLAS_PATH"),
		GpkgDataDirectory:           v.GetString("GPKG_DATA_DIRECTORY"),
		RegistryPath:                v.GetString("DATASET_REGISTRY_PATH"),
		AccessRequestsDir:           v.GetString("ACCESS_REQUESTS_DIR"),
		AccessReqWindowSeconds:      v.GetInt("ACCESS_REQ_WINDOW_SECONDS"),
		AccessReqMinIntervalSeconds: v.GetInt("ACCESS_REQ_MIN_INTERVAL_SECONDS"),
		AccessReqMaxPerIP:           v.GetInt("ACCESS_REQ_MAX_PER_IP"),
		AccessReqMaxPerEmail:        v.GetInt("ACCESS_REQ_MAX_PER_EMAIL"),
		AccessReqMaxBodyBytes:       v.GetInt("ACCESS_REQ_MAX_BODY_BYTES"),
		GitHubAPIURL:                v.GetString("GITHUB_API_URL"),
		GitHubRepo:                  v.GetString("GITHUB_REPO"),
		AccessGitHubToken:           v.GetString("ACCESS_GITHUB_TOKEN"),
		AccessGitHubLabels:          labels,
		Cors:                        v.GetString("CORS_ORIGIN"),
	}
}

// Datasets assembles the dataset registry from the registry file plus the
// two back-compat env-configured datasets.
func (c Config) Datasets() (Registry, error) {
	reg := Registry{}
	if c.RegistryPath != "" {
		loaded, err := LoadRegistry(c.RegistryPath)
		if err != nil {
			return nil, err
		}
		reg = loaded
	}
	if c.LidarAtlasPath != "" {
		if _, ok := reg["lidar"]; !ok {
			reg["lidar"] = RegistryEntry{
				Kind:          string(KindLidar),
				AtlasPath:     c.LidarAtlasPath,
				DataDirectory: c.LazDirectory,
			}
		}
	}
	if c.GpkgAtlasPath != "" {
		if _, ok := reg["gpkg"]; !ok {
			reg["gpkg"] = RegistryEntry{
				Kind:          string(KindVector),
				AtlasPath:     c.GpkgAtlasPath,
				DataDirectory: c.GpkgDataDirectory,
			}
		}
	}
	return reg, nil
}
