package version

// Version is overridden at build time:
//
//	go build -ldflags "-X github.com/vocoderlab/glowonnx/version.Version=..."
var Version = "0.0.0"
