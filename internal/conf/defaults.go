package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers a default for every key so AutomaticEnv can
// resolve AED_* overrides during Unmarshal.
func setDefaultConfig() {
	viper.SetDefault("debug", false)
	viper.SetDefault("main.name", "kunpeng-aed")

	viper.SetDefault("audio.samplerate", 16000)
	viper.SetDefault("audio.windowduration", 0.96)
	viper.SetDefault("audio.hopduration", 0.48)
	viper.SetDefault("audio.device", -1)
	viper.SetDefault("audio.sourcefile", "")
	viper.SetDefault("audio.realtime", true)
	viper.SetDefault("audio.queue.capacity", 10)
	viper.SetDefault("audio.queue.droppolicy", "oldest")

	viper.SetDefault("features.nfft", 2048)
	viper.SetDefault("features.hoplength", 160)
	viper.SetDefault("features.nmels", 64)
	viper.SetDefault("features.fmin", 125.0)
	viper.SetDefault("features.fmax", 7500.0)
	viper.SetDefault("features.mean", 0.0)
	viper.SetDefault("features.std", 1.0)
	viper.SetDefault("features.workers", 2)

	viper.SetDefault("model.path", "models/yamnet_int8.tflite")
	viper.SetDefault("model.labels", "")
	viper.SetDefault("model.threads", 4)
	viper.SetDefault("model.usexnnpack", false)
	viper.SetDefault("model.timeout", 2*time.Second)

	viper.SetDefault("inference.topk", 5)

	viper.SetDefault("pipeline.gettimeout", time.Second)
	viper.SetDefault("pipeline.shutdowntimeout", 5*time.Second)
	viper.SetDefault("pipeline.loginterval", 50)

	viper.SetDefault("publisher.buffersize", 32)
	viper.SetDefault("publisher.reorderwindow", 8)

	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.host", "0.0.0.0")
	viper.SetDefault("webserver.port", 8080)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "kunpeng-aed/results")
	viper.SetDefault("mqtt.clientid", "kunpeng-aed")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")

	viper.SetDefault("datastore.enabled", false)
	viper.SetDefault("datastore.type", "sqlite")
	viper.SetDefault("datastore.threshold", 0.5)
	viper.SetDefault("datastore.sqlite.path", "kunpeng-aed.db")
	viper.SetDefault("datastore.mysql.host", "localhost")
	viper.SetDefault("datastore.mysql.port", 3306)
	viper.SetDefault("datastore.mysql.username", "")
	viper.SetDefault("datastore.mysql.password", "")
	viper.SetDefault("datastore.mysql.database", "kunpeng_aed")

	viper.SetDefault("benchmark.threads", []int{1, 2, 4})
	viper.SetDefault("benchmark.iterations", 100)
	viper.SetDefault("benchmark.warmup", 10)
	viper.SetDefault("benchmark.output", "benchmark_results.json")

	viper.SetDefault("logging.defaultlevel", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.fileoutput.enabled", false)
	viper.SetDefault("logging.fileoutput.path", "logs/kunpeng-aed.log")
	viper.SetDefault("logging.fileoutput.level", "debug")

	viper.SetDefault("telemetry.sentry.dsn", "")
}
