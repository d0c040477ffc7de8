package mailer

import (
	"time"

	"github.com/guided-traffic/pgp-contact-form/internal/testutil"
)

func relayConfig(relay *testutil.Relay) Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           relay.Port,
		Username:       testutil.RelayUser,
		Password:       testutil.RelayPassword,
		TLSMode:        TLSModeNone,
		CommandTimeout: 5 * time.Second,
	}
}
