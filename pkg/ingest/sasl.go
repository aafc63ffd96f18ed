package ingest

import (
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

func saslOption(username, password string) kgo.Opt {
	return kgo.SASL(plain.Auth{User: username, Pass: password}.AsMechanism())
}
