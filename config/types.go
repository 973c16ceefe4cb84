package config

// Config holds all guard node settings. Loaded from JSON; every zero value
// is filled with a default by validateConfig.
type Config struct {
	// Log Config
	LogLevel  int    `json:"log_level"`  // e.g., 0 = debug, 1 = info, etc.
	LogFormat string `json:"log_format"` // "json" or "console"

	// Node Config
	NodeHome string `json:"node_home"` // Node home directory (default: ~/.guardd)

	// Guard identity and set
	GuardPrivateKeyHex string   `json:"guard_private_key_hex"` // secp256k1 private key for envelope signing
	GuardPublicKeys    []string `json:"guard_public_keys"`     // compressed hex pubkeys of all guards, self included
	RequiredSigners    int      `json:"required_signers"`      // signature threshold (default: 1)

	// Event lifecycle
	EventTimeoutSeconds    int `json:"event_timeout_seconds"`    // age after which a pendingPayment event times out (default: 86400)
	ProcessIntervalSeconds int `json:"process_interval_seconds"` // how often pending events are advanced (default: 30)
	TimeoutIntervalSeconds int `json:"timeout_interval_seconds"` // how often the timeout sweep runs (default: 60)
	RequeueIntervalSeconds int `json:"requeue_interval_seconds"` // how often waiting events are re-queued (default: 300)

	// Multisig
	SessionTimeoutSeconds  int    `json:"session_timeout_seconds"`  // signing session lifetime (default: 300)
	CleanupIntervalSeconds int    `json:"cleanup_interval_seconds"` // session sweep interval (default: 60)
	SignIntervalSeconds    int    `json:"sign_interval_seconds"`    // how often approved candidates enter signing (default: 30)
	SignerURL              string `json:"signer_url"`               // base URL of the external signing process (default: http://127.0.0.1:9050)

	// Reprocess
	ReprocessCooldownSeconds int `json:"reprocess_cooldown_seconds"` // per-guard cooldown between honored requests (default: 3600)

	// P2P transport
	P2PPrivateKeyBase64 string   `json:"p2p_private_key_base64"` // libp2p identity key; generated each start when empty
	P2PListenAddrs      []string `json:"p2p_listen_addrs"`       // multiaddrs to listen on (default: /ip4/0.0.0.0/tcp/39400)
	P2PPeerAddrs        []string `json:"p2p_peer_addrs"`         // multiaddrs of the other guards

	// Operator API
	APIPort int `json:"api_port"` // port for the operator HTTP server (default: 8080)

	// Database
	DBPath string `json:"db_path"` // SQLite file path (default: <NodeHome>/guard.db)
}
