package email

// Config holds outbound email settings. Without a Postmark server token the
// process falls back to the DevSender writing messages to DevOutputDir.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"billing@taskhub.local"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@taskhub.local"`
	DevOutputDir         string `env:"EMAIL_DEV_OUTPUT_DIR" envDefault:"./tmp/emails"`
}
