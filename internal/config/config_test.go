package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePlanPriceMap(t *testing.T) {
	got := parsePlanPriceMap("price_1AbC:starter, price_2DeF:STUDIO ,,bad-pair, :free,price_3:")
	assert.Equal(t, map[string]string{
		"price_1AbC": "starter",
		"price_2DeF": "studio",
	}, got)

	assert.Empty(t, parsePlanPriceMap(""))
}

func TestValidateRequiresWebhookSecrets(t *testing.T) {
	cfg := Config{PaymentWebhookSecret: "whsec_a", ConnectWebhookSecret: "whsec_b"}
	assert.NoError(t, cfg.Validate())

	cfg.ConnectWebhookSecret = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingWebhookSecret)
}
