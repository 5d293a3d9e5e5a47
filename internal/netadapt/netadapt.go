// Package netadapt owns the process-wide outbound HTTP plumbing: dual-stack
// dial fallback, DNS result ordering, and the opt-in diagnostic tap around
// Telegram API calls. Workarounds are applied once per configured value so
// repeated initialization cannot stack dialers.
package netadapt

import (
	"context"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aira-core/openclaw/internal/bus"
)

// EnvTelegramDiag enables the diagnostic tap.
const EnvTelegramDiag = "OPENCLAW_TELEGRAM_DIAG"

// DNS result orders.
const (
	DNSOrderIPv4First = "ipv4first"
	DNSOrderVerbatim  = "verbatim"
)

// fallbackDelay is how long the dialer waits before racing the IPv4
// fallback connection.
const fallbackDelay = 300 * time.Millisecond

// Options configures the shared transport.
type Options struct {
	// AutoSelectFamily enables the IPv4 fallback race. Nil means enabled.
	AutoSelectFamily *bool
	// DNSResultOrder is "ipv4first" or "verbatim" (default).
	DNSResultOrder string
}

func (o Options) autoSelectFamily() bool {
	return o.AutoSelectFamily == nil || *o.AutoSelectFamily
}

var (
	mu          sync.Mutex
	applied     *Options
	sharedTrans *http.Transport
)

// Transport returns the process transport configured per opts. The transport
// is rebuilt only when an option value actually changes; callers may invoke
// this on every outbound-path construction.
func Transport(opts Options) *http.Transport {
	mu.Lock()
	defer mu.Unlock()
	if sharedTrans != nil && applied != nil &&
		applied.autoSelectFamily() == opts.autoSelectFamily() &&
		applied.DNSResultOrder == opts.DNSResultOrder {
		return sharedTrans
	}

	dialer := &net.Dialer{
		Timeout:       30 * time.Second,
		KeepAlive:     30 * time.Second,
		FallbackDelay: fallbackDelay,
	}
	if !opts.autoSelectFamily() {
		dialer.FallbackDelay = -1
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.DNSResultOrder == DNSOrderIPv4First {
		transport.DialContext = ipv4FirstDialContext(dialer)
	} else {
		transport.DialContext = dialer.DialContext
	}

	o := opts
	applied = &o
	sharedTrans = transport
	return transport
}

// ipv4FirstDialContext resolves the host itself and dials addresses with all
// IPv4 results ahead of IPv6, preserving relative order within each family.
func ipv4FirstDialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		if ip := net.ParseIP(host); ip != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil || len(ips) == 0 {
			return dialer.DialContext(ctx, network, addr)
		}
		sort.SliceStable(ips, func(i, j int) bool {
			return ips[i].IP.To4() != nil && ips[j].IP.To4() == nil
		})
		var lastErr error
		for _, ip := range ips {
			conn, derr := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
			if derr == nil {
				return conn, nil
			}
			lastErr = derr
		}
		return nil, lastErr
	}
}

// NewHTTPClient builds the outbound client: shared transport, plus the
// diagnostic tap when OPENCLAW_TELEGRAM_DIAG=1.
func NewHTTPClient(opts Options, eventBus *bus.Bus) *http.Client {
	var rt http.RoundTripper = Transport(opts)
	if os.Getenv(EnvTelegramDiag) == "1" && eventBus != nil {
		rt = NewDiagTransport(rt, eventBus)
	}
	return &http.Client{Transport: rt}
}

// NewBot constructs the Telegram bot client on top of the adapted transport
// so every API call flows through the workarounds and the tap.
func NewBot(token string, client *http.Client) (*tgbotapi.BotAPI, error) {
	return tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
}

// resetForTest clears the apply-once state.
func resetForTest() {
	mu.Lock()
	defer mu.Unlock()
	applied = nil
	sharedTrans = nil
}
