/**
 * @description
 * This file handles the configuration management for the billing-service.
 * It uses the 'viper' library to load configuration from environment
 * variables, providing a centralized and consistent way to manage
 * application settings.
 */
package config

import (
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	PagBankAPIURL         string `mapstructure:"PAGBANK_API_URL"`
	PagBankAPIKey         string `mapstructure:"PAGBANK_API_KEY"`
	PagBankWebhookSecret  string `mapstructure:"PAGBANK_WEBHOOK_SECRET"`
	ServiceJWTSecret      string `mapstructure:"SERVICE_JWT_SECRET"`
	GatewayTimeoutSeconds int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	MaxBillingAttempts    int    `mapstructure:"MAX_BILLING_ATTEMPTS"`
	GracePeriodDays       int    `mapstructure:"GRACE_PERIOD_DAYS"`
	InvoiceJobSchedule    string `mapstructure:"INVOICE_JOB_SCHEDULE"`
	RecurrentJobSchedule  string `mapstructure:"RECURRENT_JOB_SCHEDULE"`
	FallbackJobSchedule   string `mapstructure:"FALLBACK_JOB_SCHEDULE"`
	ReconcileJobSchedule  string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 30)
	viper.SetDefault("MAX_BILLING_ATTEMPTS", 3)
	viper.SetDefault("GRACE_PERIOD_DAYS", 30)
	viper.SetDefault("INVOICE_JOB_SCHEDULE", "0 6 * * *")
	viper.SetDefault("RECURRENT_JOB_SCHEDULE", "0 7 * * *")
	viper.SetDefault("FALLBACK_JOB_SCHEDULE", "0 8 * * *")
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "30 */6 * * *")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAGBANK_API_URL")
	_ = viper.BindEnv("PAGBANK_API_KEY")
	_ = viper.BindEnv("PAGBANK_WEBHOOK_SECRET")
	_ = viper.BindEnv("SERVICE_JWT_SECRET")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("MAX_BILLING_ATTEMPTS")
	_ = viper.BindEnv("GRACE_PERIOD_DAYS")
	_ = viper.BindEnv("INVOICE_JOB_SCHEDULE")
	_ = viper.BindEnv("RECURRENT_JOB_SCHEDULE")
	_ = viper.BindEnv("FALLBACK_JOB_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")

	err = viper.Unmarshal(&config)
	return
}
