package config

// AppConfig is the root configuration loaded from TOML and overridable by
// environment variables. cmd/api and cmd/processor both load this struct
// and copier.Copy the sections they need into package-owned config structs,
// so no internal package imports this one directly.
type AppConfig struct {
	Database struct {
		Host            string `toml:"host" env:"AGICASH_DB_HOST"`
		Port            string `toml:"port" env:"AGICASH_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"AGICASH_DB_USER"`
		Password        string `toml:"password" env:"AGICASH_DB_PASSWORD"`
		DB              string `toml:"db" env:"AGICASH_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"AGICASH_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"AGICASH_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"AGICASH_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"AGICASH_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"AGICASH_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"AGICASH_REDIS_HOST"`
		Port     string `toml:"port" env:"AGICASH_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"AGICASH_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"AGICASH_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Mint struct {
		RequestTimeoutSeconds int `toml:"request_timeout_seconds" env:"AGICASH_MINT_REQUEST_TIMEOUT_SECONDS" env-default:"10"`
	} `toml:"mint"`

	Spark struct {
		Endpoint          string `toml:"endpoint" env:"AGICASH_SPARK_ENDPOINT"`
		Network           string `toml:"network" env:"AGICASH_SPARK_NETWORK" env-default:"MAINNET"`
		SessionTokenFile  string `toml:"session_token_file" env:"AGICASH_SPARK_SESSION_TOKEN_FILE"`
		TLSCertPath       string `toml:"tls_cert_path" env:"AGICASH_SPARK_TLS_CERT_PATH"`
		RequestTimeoutSec int    `toml:"request_timeout_seconds" env:"AGICASH_SPARK_REQUEST_TIMEOUT_SECONDS" env-default:"10"`
	} `toml:"spark"`

	Codec struct {
		// WalletMnemonic seeds both the Cashu locking-key tree and the
		// Spark client; the corresponding public key is what servers use
		// as the ECIES recipient for this user's encrypted blobs.
		WalletMnemonic string `toml:"wallet_mnemonic" env:"AGICASH_WALLET_MNEMONIC"`
	} `toml:"codec"`

	Processor struct {
		ConsumerGroup string `toml:"consumer_group" env:"AGICASH_PROCESSOR_GROUP" env-default:"payment-state-engine"`
		ConsumerName  string `toml:"consumer_name" env:"AGICASH_PROCESSOR_CONSUMER" env-default:"processor-1"`
	} `toml:"processor"`
}
