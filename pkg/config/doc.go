// Package config loads the backoffice server configuration from
// environment variables.
//
// Every setting has a default except BACKOFFICE_POSTGRES_URL, which is
// required with the postgres storage driver. LoadConfig validates the
// result and fails fast on an inconsistent combination.
//
// Server:
//
//	BACKOFFICE_HOST="0.0.0.0"
//	BACKOFFICE_PORT="8080"
//	BACKOFFICE_HEALTH_PORT="9090"
//	BACKOFFICE_BASE_URL="https://backoffice.example.com"
//	BACKOFFICE_CORS_ORIGINS="https://admin.example.com,https://ops.example.com"
//
// Storage:
//
//	BACKOFFICE_STORAGE_DRIVER="postgres"   # postgres, memory
//	BACKOFFICE_POSTGRES_URL="postgres://localhost/backoffice?sslmode=disable"
//	BACKOFFICE_REDIS_URL="redis://localhost:6379/0"
//
// Organizations and tokens:
//
//	BACKOFFICE_INVITATION_TTL="168h"
//	BACKOFFICE_INVITATION_SWEEP="*/15 * * * *"   # empty disables
//	BACKOFFICE_MEMBERSHIP_CACHE_TTL="30s"
//	BACKOFFICE_POLICY_FILE="/etc/backoffice/policy.yaml"
//	BACKOFFICE_MAGIC_LINK_TTL="15m"
//	BACKOFFICE_PASSWORD_RESET_TTL="1h"
//
// Email delivery:
//
//	BACKOFFICE_NOTIFY_DRIVER="smtp"   # log, smtp, webhook
//	BACKOFFICE_NOTIFY_OUTBOX="true"   # queue through Redis
//	BACKOFFICE_SMTP_HOST="smtp.example.com"
//	BACKOFFICE_SMTP_FROM="no-reply@example.com"
//	BACKOFFICE_NOTIFY_WEBHOOK_URL="https://mailer.internal/send"
//
// Audit and observability:
//
//	BACKOFFICE_AUDIT_FILE_PATH="/var/log/backoffice/audit"
//	BACKOFFICE_AUDIT_DATABASE="true"
//	BACKOFFICE_LOG_LEVEL="info"
//	BACKOFFICE_OTEL_ENABLED="true"
//	BACKOFFICE_OTEL_ENDPOINT="otel-collector:4317"
package config
