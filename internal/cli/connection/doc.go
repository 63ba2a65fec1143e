// Package connection is the HTTP client vmsnap-cli uses to talk to the
// vmsnap-server management API.
//
// Every endpoint answers with the same JSON envelope; ParseResponse
// unwraps the data member on success and turns an error envelope into an
// *APIError carrying the server's error code.
package connection
