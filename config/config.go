package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	v.SetDefault("home", filepath.Join(xdg.Home, ".screenstream"))

	// Encoder defaults follow what the hardware encoders handle well for
	// screen content.
	v.SetDefault("stream.bitrate", 2_000_000)
	v.SetDefault("stream.frame_rate", 30)
	v.SetDefault("stream.keyframe_interval", 5)
	v.SetDefault("stream.width", 0)
	v.SetDefault("stream.height", 0)
	v.SetDefault("stream.density", 0)
	v.SetDefault("stream.mailbox", 32)

	v.SetDefault("rtmp.chunk_size", 4096)
	v.SetDefault("rtmp.handshake_timeout", 10*time.Second)
	v.SetDefault("rtmp.negotiate_timeout", 10*time.Second)
	v.SetDefault("rtmp.write_timeout", 5*time.Second)
	v.SetDefault("rtmp.send_queue", 64)

	v.SetDefault("scrcpy.server_path", "")
	v.SetDefault("scrcpy.version", "3.3.1")
	v.SetDefault("scrcpy.encoder", "")

	v.SetDefault("adb.path", "adb")
	v.SetDefault("adb.port", 5037)

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.input", "")

	v.SetDefault("server.port", 28181)

	v.SetDefault("log.format", "text")

	v.SetEnvPrefix("SCREENSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("home", "SCREENSTREAM_HOME")
	v.BindEnv("adb.path", "ADB", "SCREENSTREAM_ADB")
	v.BindEnv("scrcpy.server_path", "SCRCPY_SERVER_PATH", "SCREENSTREAM_SCRCPY_SERVER")
	v.BindEnv("ffmpeg.path", "FFMPEG", "SCREENSTREAM_FFMPEG")
	v.BindEnv("server.port", "SCREENSTREAM_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.screenstream",
		filepath.Join(xdg.ConfigHome, "screenstream"),
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// GetHome returns the screenstream home directory
func GetHome() string {
	return v.GetString("home")
}

// Bitrate returns the default target bitrate in bits per second
func Bitrate() int {
	return v.GetInt("stream.bitrate")
}

// FrameRate returns the default encoder frame rate
func FrameRate() int {
	return v.GetInt("stream.frame_rate")
}

// KeyframeInterval returns the default keyframe interval in seconds
func KeyframeInterval() int {
	return v.GetInt("stream.keyframe_interval")
}

// Resolution returns the default capture size; zero means native.
func Resolution() (width, height int) {
	return v.GetInt("stream.width"), v.GetInt("stream.height")
}

// Density returns the default virtual display density; zero means native.
func Density() int {
	return v.GetInt("stream.density")
}

// MailboxSize returns the capacity of a session's event mailbox
func MailboxSize() int {
	return v.GetInt("stream.mailbox")
}

// RTMPChunkSize returns the outbound chunk size announced to the server
func RTMPChunkSize() int {
	return v.GetInt("rtmp.chunk_size")
}

// RTMPHandshakeTimeout bounds the transport connect and handshake
func RTMPHandshakeTimeout() time.Duration {
	return v.GetDuration("rtmp.handshake_timeout")
}

// RTMPNegotiateTimeout bounds the connect/createStream/publish exchange
func RTMPNegotiateTimeout() time.Duration {
	return v.GetDuration("rtmp.negotiate_timeout")
}

// RTMPWriteTimeout bounds a single socket write
func RTMPWriteTimeout() time.Duration {
	return v.GetDuration("rtmp.write_timeout")
}

// RTMPSendQueue returns the capacity of the transport send queue
func RTMPSendQueue() int {
	return v.GetInt("rtmp.send_queue")
}

// ScrcpyServerPath returns the local scrcpy-server.jar, searching the usual
// install locations when it is not configured.
func ScrcpyServerPath() string {
	if p := v.GetString("scrcpy.server_path"); p != "" {
		return p
	}

	locations := []string{
		"./assets/scrcpy-server.jar",
		filepath.Join(GetHome(), "scrcpy-server.jar"),
		filepath.Join(xdg.DataHome, "screenstream", "scrcpy-server.jar"),
		"/usr/local/share/scrcpy/scrcpy-server",
		"/opt/homebrew/share/scrcpy/scrcpy-server",
		"/usr/share/scrcpy/scrcpy-server",
	}
	for _, path := range locations {
		if _, err := os.Stat(path); err == nil {
			abs, _ := filepath.Abs(path)
			return abs
		}
	}
	return ""
}

// ScrcpyVersion returns the server version passed to scrcpy-server; it must
// match the jar.
func ScrcpyVersion() string {
	return v.GetString("scrcpy.version")
}

// ScrcpyEncoder returns a forced MediaCodec encoder name, if any
func ScrcpyEncoder() string {
	return v.GetString("scrcpy.encoder")
}

// ADBPath returns the adb executable
func ADBPath() string {
	return v.GetString("adb.path")
}

// ADBPort returns the adb server port
func ADBPort() int {
	return v.GetInt("adb.port")
}

// FFmpegPath returns the ffmpeg executable
func FFmpegPath() string {
	return v.GetString("ffmpeg.path")
}

// FFmpegInput returns an explicit ffmpeg grab input, overriding the
// per-platform default.
func FFmpegInput() string {
	return v.GetString("ffmpeg.input")
}

// ServerPort returns the control API port
func ServerPort() int {
	return v.GetInt("server.port")
}

// LogFormat returns the log record format, text or json
func LogFormat() string {
	return v.GetString("log.format")
}
