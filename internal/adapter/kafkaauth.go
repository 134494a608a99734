package adapter

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Kafka connection options read from Instance.Options. Keys follow the
// librdkafka property names so existing client configs can be pasted in.
const (
	OptSecurityProtocol = "security.protocol"
	OptSASLMechanism    = "sasl.mechanism"
	OptSASLUsername     = "sasl.username"
	OptSSLCALocation    = "ssl.ca.location"
	OptSSLCertLocation  = "ssl.certificate.location"
	OptSSLKeyLocation   = "ssl.key.location"
)

// kafkaSecurity is the resolved TLS and SASL setup for one instance.
type kafkaSecurity struct {
	TLS  *tls.Config
	SASL sasl.Mechanism
}

// kafkaSecurityFromOptions builds TLS and SASL settings from instance options.
// The SASL password is the instance credential, already resolved.
func kafkaSecurityFromOptions(opts map[string]string, password string) (kafkaSecurity, error) {
	var sec kafkaSecurity

	proto := strings.ToUpper(opts[OptSecurityProtocol])
	if proto == "" {
		proto = "PLAINTEXT"
	}
	switch proto {
	case "PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL":
	default:
		return sec, fmt.Errorf("unsupported security.protocol: %s", proto)
	}

	if proto == "SSL" || proto == "SASL_SSL" {
		conf := &tls.Config{MinVersion: tls.VersionTLS12}
		if ca := opts[OptSSLCALocation]; ca != "" {
			pem, err := os.ReadFile(ca)
			if err != nil {
				return sec, fmt.Errorf("load CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return sec, errors.New("bad CA PEM")
			}
			conf.RootCAs = pool
		}
		certFile, keyFile := opts[OptSSLCertLocation], opts[OptSSLKeyLocation]
		if certFile != "" && keyFile != "" {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return sec, fmt.Errorf("load client cert: %w", err)
			}
			conf.Certificates = []tls.Certificate{cert}
		}
		sec.TLS = conf
	}

	mech := strings.ToUpper(opts[OptSASLMechanism])
	user := opts[OptSASLUsername]
	switch mech {
	case "":
		if strings.HasPrefix(proto, "SASL_") {
			return sec, fmt.Errorf("missing sasl.mechanism for security.protocol=%s", proto)
		}
	case "PLAIN":
		sec.SASL = plain.Mechanism{Username: user, Password: password}
	case "SCRAM-SHA-256":
		m, err := scram.Mechanism(scram.SHA256, user, password)
		if err != nil {
			return sec, err
		}
		sec.SASL = m
	case "SCRAM-SHA-512":
		m, err := scram.Mechanism(scram.SHA512, user, password)
		if err != nil {
			return sec, err
		}
		sec.SASL = m
	default:
		return sec, fmt.Errorf("unsupported sasl.mechanism: %s", mech)
	}
	return sec, nil
}

func (s kafkaSecurity) transport(timeout time.Duration) *kafka.Transport {
	return &kafka.Transport{TLS: s.TLS, SASL: s.SASL, DialTimeout: timeout}
}

func (s kafkaSecurity) dialer(timeout time.Duration) *kafka.Dialer {
	return &kafka.Dialer{Timeout: timeout, DualStack: true, TLS: s.TLS, SASLMechanism: s.SASL}
}

// RedactOptions returns a copy of instance options with sensitive values masked.
func RedactOptions(opts map[string]string) map[string]string {
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "password") || strings.Contains(lk, "secret") || strings.Contains(lk, "token") || strings.HasSuffix(lk, ".key") {
			out[k] = "***"
		} else {
			out[k] = v
		}
	}
	return out
}
