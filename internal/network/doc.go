// Package network wraps outbound fetches: the Request/Response pair handed
// between the proxy front end, the strategies and the install worker, plus an
// HTTP Fetcher that maps a scope's public origin onto its upstream.
//
// Only transport failures surface as *NetworkError. Any HTTP status, including
// 4xx/5xx, is a successful fetch and is returned unchanged to the caller.
package network
