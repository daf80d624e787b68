// Package sparkclient is the Spark Lightning-service gRPC adapter (§6:
// "Spark wire protocol"). It generalizes the teacher's
// internal/lnd.Client/macaroonCredential pattern (one shared *grpc.ClientConn,
// a PerRPCCredentials implementation carrying the bearer credential, TLS
// loaded from a cert file) from LND's generated lnrpc stub to a thin
// Invoke-based client, since no Spark protobuf package ships in this
// module's dependency corpus (see DESIGN.md for why nothing is fabricated in
// its place).
package sparkclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DefaultRequestTimeout bounds a single Spark RPC call.
const DefaultRequestTimeout = 10 * time.Second

// sessionTokenCredential attaches a bearer session token as gRPC metadata on
// every RPC, the Spark analogue of the teacher's hex-macaroon credential.
type sessionTokenCredential struct {
	token string
}

func (c sessionTokenCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.token}, nil
}

func (c sessionTokenCredential) RequireTransportSecurity() bool { return true }

type Config struct {
	Endpoint          string
	Network           string // "MAINNET", "REGTEST", ...
	SessionTokenFile  string
	TLSCertPath       string // empty uses TLS with the system trust store
	RequestTimeoutSec int
}

type Client struct {
	conn    *grpc.ClientConn
	network string
	timeout time.Duration
}

// Dial opens the shared connection used for every RPC this client issues.
// Grounded on internal/lnd.NewClient's dial-then-GetInfo validation shape,
// minus the GetInfo call (Spark's session is validated lazily by
// Initialize instead of eagerly at dial time).
func Dial(cfg Config) (*Client, error) {
	var creds credentials.TransportCredentials
	if cfg.TLSCertPath != "" {
		var err error
		creds, err = credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
		if err != nil {
			return nil, fmt.Errorf("sparkclient: load tls cert from %s: %w", cfg.TLSCertPath, err)
		}
	} else {
		creds = credentials.NewTLS(&tls.Config{})
	}

	token, err := os.ReadFile(cfg.SessionTokenFile)
	if err != nil {
		return nil, fmt.Errorf("sparkclient: read session token %s: %w", cfg.SessionTokenFile, err)
	}

	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(sessionTokenCredential{token: string(token)}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("sparkclient: dial %s: %w", cfg.Endpoint, err)
	}

	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{conn: conn, network: cfg.Network, timeout: timeout}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// InitializeRequest/Response mirror Spark's wallet-session bootstrap: derive
// the wallet's identity keypair from the mnemonic for the configured
// network and obtain (or refresh) the session token used by every
// subsequent call.
type InitializeRequest struct {
	Mnemonic string `json:"mnemonic"`
	Network  string `json:"network"`
}

type InitializeResponse struct {
	IdentityPubkey string `json:"identityPubkey"`
	SessionToken   string `json:"sessionToken"`
}

func (c *Client) Initialize(ctx context.Context, mnemonic string) (*InitializeResponse, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	var out InitializeResponse
	req := InitializeRequest{Mnemonic: mnemonic, Network: c.network}
	if err := c.conn.Invoke(ctx, "/spark.SparkService/Initialize", req, &out); err != nil {
		return nil, fmt.Errorf("sparkclient: initialize: %w", err)
	}
	return &out, nil
}

// CreateLightningInvoiceRequest/Response drive §4.2's Spark receive path:
// CreateLightningInvoice returns an id polled via GetLightningReceiveRequest
// until it reaches TRANSFER_COMPLETED.
type CreateLightningInvoiceRequest struct {
	AmountSats             int64  `json:"amountSats"`
	Memo                   string `json:"memo,omitempty"`
	ReceiverIdentityPubkey string `json:"receiverIdentityPubkey,omitempty"`
}

type CreateLightningInvoiceResponse struct {
	ID             string `json:"id"`
	PaymentRequest string `json:"paymentRequest"`
	PaymentHash    string `json:"paymentHash"`
	ExpiresAt      int64  `json:"expiresAt"`
}

func (c *Client) CreateLightningInvoice(ctx context.Context, req CreateLightningInvoiceRequest) (*CreateLightningInvoiceResponse, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	var out CreateLightningInvoiceResponse
	if err := c.conn.Invoke(ctx, "/spark.SparkService/CreateLightningInvoice", req, &out); err != nil {
		return nil, fmt.Errorf("sparkclient: create lightning invoice: %w", err)
	}
	return &out, nil
}

// ReceiveRequestStatus mirrors §6's enumerated Spark receive statuses.
type ReceiveRequestStatus string

const (
	ReceiveUnpaid            ReceiveRequestStatus = "UNPAID"
	ReceiveTransferCompleted ReceiveRequestStatus = "TRANSFER_COMPLETED"
	ReceiveTransferFailed    ReceiveRequestStatus = "TRANSFER_FAILED"
	ReceiveExpired           ReceiveRequestStatus = "EXPIRED"
)

type GetLightningReceiveRequestResponse struct {
	ID               string               `json:"id"`
	Status           ReceiveRequestStatus `json:"status"`
	PaymentPreimage  string               `json:"paymentPreimage,omitempty"`
	SparkTransferID  string               `json:"sparkTransferId,omitempty"`
}

func (c *Client) GetLightningReceiveRequest(ctx context.Context, id string) (*GetLightningReceiveRequestResponse, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	var out GetLightningReceiveRequestResponse
	req := struct {
		ID string `json:"id"`
	}{ID: id}
	if err := c.conn.Invoke(ctx, "/spark.SparkService/GetLightningReceiveRequest", req, &out); err != nil {
		return nil, fmt.Errorf("sparkclient: get lightning receive request: %w", err)
	}
	return &out, nil
}

// PayInvoiceRequest/Response drive the Send Quote Engine's Spark path
// (§4.3), the Spark analogue of the teacher's LightningClient.PayInvoice.
type PayInvoiceRequest struct {
	PaymentRequest string `json:"paymentRequest"`
	MaxFeeSats     int64  `json:"maxFeeSats"`
}

type PayInvoiceResponse struct {
	PaymentPreimage string `json:"paymentPreimage"`
	FeeSats         int64  `json:"feeSats"`
	SparkTransferID string `json:"sparkTransferId"`
}

func (c *Client) PayInvoice(ctx context.Context, req PayInvoiceRequest) (*PayInvoiceResponse, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	var out PayInvoiceResponse
	if err := c.conn.Invoke(ctx, "/spark.SparkService/PayInvoice", req, &out); err != nil {
		return nil, fmt.Errorf("sparkclient: pay invoice: %w", err)
	}
	return &out, nil
}
