// Package security holds the TLS settings shared by the transport clients and
// the broker's websocket listener.
package security

// ClientTLSConfig secures a connection to the message bus.
// The system CA bundle is always trusted; CAFiles are additional CAs.
type ClientTLSConfig struct {
	Enabled            bool     `json:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty"`
	ServerName         string   `json:"server_name,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `json:"min_version,omitempty"`          // "1.2" or "1.3"

	// CertFile and KeyFile present a client certificate (mTLS).
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// ServerTLSConfig secures the websocket listener.
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"`

	MTLS ServerMTLSConfig `json:"mtls,omitempty"`
}

// ServerMTLSConfig validates client certificates on the listener.
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"` // false = verify if given
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}
