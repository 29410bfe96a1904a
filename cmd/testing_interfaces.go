package main

import "net/http"

// httpDoer is the client surface the integration probes need.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}
