// Package version carries build metadata baked into the binary with
// -ldflags, e.g.
//
//	go build -ldflags "-X github.com/mesosphere/brickd/pkg/version.Version=1.2.3"
package version

var (
	Product   = "brickd"
	Version   = "unknown"
	BuildSHA  = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Product   string
	Version   string
	BuildSHA  string
	BuildTime string
}

func Get() Info {
	return Info{
		Product:   Product,
		Version:   Version,
		BuildSHA:  BuildSHA,
		BuildTime: BuildTime,
	}
}
