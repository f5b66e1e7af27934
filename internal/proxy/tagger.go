package proxy

import (
	"net/http"

	"github.com/iTrooz/join-proxy/internal/join"
)

// ResponseHeader tells the client whether its response was fetched for it
// (Miss) or shared from the cache or another in-flight request (Hit).
const ResponseHeader = "x-joinproxy-response"

// Tag marks resp with the outcome of its request
func Tag(resp *http.Response, outcome join.Outcome) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(ResponseHeader, outcome.String())
}
