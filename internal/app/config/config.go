package config

type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	DirectoryAddress string `env:"DIRECTORY_ADDRESS"`
	RabbitURI        string `env:"RABBIT_URI"`
	SalesQueue       string `env:"SALES_QUEUE"`
	SecretKey        string `env:"SECRET_KEY"`
	AdminToken       string `env:"ADMIN_TOKEN"`
	WebhookToken     string `env:"WEBHOOK_TOKEN"`
	ReleaseInterval  int    `env:"RELEASE_INTERVAL"` // seconds between releaseMatured scans
	ClientTimeout    int    `env:"CLIENT_TIMEOUT"`   // seconds
	ConsumerWorkers  int    `env:"CONSUMER_WORKERS"`
	ConsumerPrefetch int    `env:"CONSUMER_PREFETCH"`
}
