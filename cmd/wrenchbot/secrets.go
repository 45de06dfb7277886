package main

import (
	"os"
	"strings"

	"github.com/jordigilh/wrenchbot/pkg/webhook"
)

// webhookSecrets builds the signature-secret map NewDispatcher needs from
// one environment variable per registered handler, named
// WRENCHBOT_SECRET_<SIGNATURE-SECRET-REF-UPPER-SNAKE>. A handler whose
// variable is unset runs without signature verification, matching
// Dispatcher.Config's documented "required only if non-empty" contract.
func webhookSecrets(registry *webhook.Registry) map[string][]byte {
	secrets := make(map[string][]byte)
	for _, meta := range registry.Handlers() {
		if meta.SignatureSecretRef == "" {
			continue
		}
		envVar := "WRENCHBOT_SECRET_" + strings.ToUpper(strings.ReplaceAll(meta.SignatureSecretRef, "-", "_"))
		if value := os.Getenv(envVar); value != "" {
			secrets[meta.SignatureSecretRef] = []byte(value)
		}
	}
	return secrets
}
