// Package tlsroots loads the TLS material of the API endpoint.
//
// The server side is a CertReloader: it serves the key pair named by
// server.http.tls_cert_file and tls_key_file and swaps it when either file
// changes, so certificates can be rotated without a restart. The client
// side builds a tls.Config that trusts the system roots plus an optional
// private CA bundle.
package tlsroots
