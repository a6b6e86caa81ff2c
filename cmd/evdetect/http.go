package main

import (
	"net/http"
	"os"

	goahttp "goa.design/goa/v3/http"

	"evdetect/internal/config"
	"evdetect/internal/detection"
)

func newDetectionClient(cfg *config.Config, debug bool) (*detection.Client, goahttp.Doer, error) {
	var (
		doer goahttp.Doer
	)
	{
		// The per-request timeout is applied by the client through the request context
		doer = &http.Client{}
		if debug {
			doer = goahttp.NewDebugDoer(doer)
		}
	}

	client, err := detection.NewClient(cfg.APIURL,
		detection.WithDoer(doer),
		detection.WithTimeout(cfg.Timeout),
	)
	return client, doer, err
}

// printDebug dumps the captured requests and responses of a debug doer
func printDebug(doer goahttp.Doer) {
	if d, ok := doer.(goahttp.DebugDoer); ok {
		d.Fprint(os.Stderr)
	}
}
