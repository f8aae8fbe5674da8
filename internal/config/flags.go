package config

import (
	"github.com/spf13/pflag"
)

type flagValues struct {
	configPath string
	addr       string
	apiPrefix  string
	staticDir  string
	uploadDir  string
	outputDir  string
	logLevel   string
	logFormat  string
}

func bindFlags(fs *pflag.FlagSet) *flagValues {
	fl := &flagValues{}

	fs.StringVarP(&fl.configPath, "config", "c", "", "path to a TOML config file")
	fs.StringVarP(&fl.addr, "addr", "a", "", "listen address, host:port")
	fs.StringVar(&fl.apiPrefix, "api-prefix", "", "path prefix for the JSON API, e.g. /api")
	fs.StringVar(&fl.staticDir, "static-dir", "", "directory holding the client's index.html")
	fs.StringVar(&fl.uploadDir, "upload-dir", "", "directory for incoming uploads")
	fs.StringVar(&fl.outputDir, "output-dir", "", "directory for converted files")
	fs.StringVar(&fl.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&fl.logFormat, "log-format", "", "text or json")

	return fl
}

// apply copies only the flags given on the command line.
func (fl *flagValues) apply(fs *pflag.FlagSet, cfg *Config) {
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}

	set("addr", &cfg.Server.Addr, fl.addr)
	set("api-prefix", &cfg.Server.APIPrefix, fl.apiPrefix)
	set("static-dir", &cfg.Server.StaticDir, fl.staticDir)
	set("upload-dir", &cfg.Storage.UploadDir, fl.uploadDir)
	set("output-dir", &cfg.Storage.OutputDir, fl.outputDir)
	set("log-level", &cfg.Log.Level, fl.logLevel)
	set("log-format", &cfg.Log.Format, fl.logFormat)
}
