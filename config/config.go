package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("capture.home", "GCAPTURE_HOME")
	v.BindEnv("recording.dir", "GCAPTURE_RECORDING_DIR")
	v.BindEnv("recording.container", "GCAPTURE_CONTAINER")
	v.BindEnv("recording.audio.codec", "GCAPTURE_AUDIO_CODEC")
	v.BindEnv("recording.audio.sample_rate", "GCAPTURE_AUDIO_SAMPLE_RATE")
	v.BindEnv("recording.audio.channels", "GCAPTURE_AUDIO_CHANNELS")
	v.BindEnv("recording.reference_orientation", "GCAPTURE_REFERENCE_ORIENTATION")
	v.BindEnv("stats.window", "GCAPTURE_STATS_WINDOW")
	v.BindEnv("preview.listen", "GCAPTURE_PREVIEW_LISTEN")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.gcapture",
		"/etc/gcapture",
	}

	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("capture.home", filepath.Join(xdg.Home, ".gcapture"))

	// Empty means capture.home/recordings, resolved on access
	v.SetDefault("recording.dir", "")
	v.SetDefault("recording.container", "mp4")
	v.SetDefault("recording.audio.codec", "pcm")
	v.SetDefault("recording.audio.sample_rate", 48000)
	v.SetDefault("recording.audio.channels", 2)
	v.SetDefault("recording.reference_orientation", "portrait")

	v.SetDefault("stats.window", time.Second)
	v.SetDefault("preview.listen", "")
}

// GetCaptureHome returns the gcapture home directory
func GetCaptureHome() string {
	return v.GetString("capture.home")
}

// GetRecordingDir returns the directory finished recordings are written to
func GetRecordingDir() string {
	if dir := v.GetString("recording.dir"); dir != "" {
		return dir
	}
	return filepath.Join(GetCaptureHome(), "recordings")
}

// GetContainer returns the configured container name (mp4 or webm)
func GetContainer() string {
	return v.GetString("recording.container")
}

// GetAudioCodec returns the codec of the default audio track, "none" disables it
func GetAudioCodec() string {
	return v.GetString("recording.audio.codec")
}

// GetAudioSampleRate returns the default audio sample rate in Hz
func GetAudioSampleRate() int {
	return v.GetInt("recording.audio.sample_rate")
}

// GetAudioChannels returns the default audio channel count
func GetAudioChannels() int {
	return v.GetInt("recording.audio.channels")
}

// GetReferenceOrientation returns the reference orientation name
func GetReferenceOrientation() string {
	return v.GetString("recording.reference_orientation")
}

// GetStatsWindow returns the frame rate estimator window
func GetStatsWindow() time.Duration {
	if d := v.GetDuration("stats.window"); d > 0 {
		return d
	}
	return time.Second
}

// GetPreviewListen returns the preview server address, empty when disabled
func GetPreviewListen() string {
	return v.GetString("preview.listen")
}
