package common

const (
	PRIVATE_CREDENTIALS_DOTENV = ".env.private"
	DEFAULT_CONFIG_DIR         = ".config/"
	DEFAULT_CONFIG_FILE        = "config.json"
	DEFAULT_PLANS_FILE         = "plans.json"

	DEFAULT_LISTEN_ADDR       = ":4000"
	DEFAULT_APP_ENV           = "production"
	DEFAULT_LOG_LEVEL         = "info"
	DEFAULT_DB_MAX_OPEN_CONNS = 25

	DEFAULT_REDIS_ADDR           = "localhost:6379"
	DEFAULT_REDIS_PASSWORD       = ""
	DEFAULT_REDIS_PREFIX         = "pettag:"
	DEFAULT_NOTIFICATION_CHANNEL = "notifications"

	DEFAULT_TX_TIMEOUT_SECONDS      = 10
	DEFAULT_RENEWAL_CEILING         = 3
	DEFAULT_RENEWAL_LOOKAHEAD_HOURS = 7 * 24
	DEFAULT_LOCK_TTL_SECONDS        = 600

	// cron specs, standard five fields
	DEFAULT_EXPIRY_SCHEDULE    = "*/15 * * * *"
	DEFAULT_DUPLICATE_SCHEDULE = "30 3 * * *"
	DEFAULT_REMINDER_SCHEDULE  = "0 9 * * *"

	DEFAULT_PREFERRED_GATEWAY = "stripe"
	DEFAULT_PAYPAL_BASE_URL   = "https://api-m.sandbox.paypal.com"
	DEFAULT_JWT_ISSUER        = "pettag-backend"
)
