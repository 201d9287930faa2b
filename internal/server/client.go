package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClientOptions configures a FocusClient connection.
type ClientOptions struct {
	Insecure bool
	CACert   string
	TLSCert  string
	TLSKey   string
	// Extra dial options, used by tests to inject a dialer.
	DialOptions []grpc.DialOption
}

// FocusClient drives a remote driftfocus server over gRPC.
type FocusClient struct {
	conn *grpc.ClientConn
}

// Dial connects to addr.
func Dial(addr string, opts ClientOptions) (*FocusClient, error) {
	var dial []grpc.DialOption
	if opts.Insecure {
		dial = append(dial, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := clientTLS(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %v", err)
		}
		dial = append(dial, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}
	dial = append(dial, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}))
	dial = append(dial, opts.DialOptions...)

	conn, err := grpc.NewClient(addr, dial...)
	if err != nil {
		return nil, err
	}
	return &FocusClient{conn: conn}, nil
}

// Close closes the connection.
func (c *FocusClient) Close() error { return c.conn.Close() }

// Healthy reports whether the focus service is serving.
func (c *FocusClient) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: focusServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// StartSearch submits req and returns the server's acknowledgement.
func (c *FocusClient) StartSearch(ctx context.Context, req StartRequest) (Started, error) {
	var out Started
	err := c.call(ctx, startSearchPath, req, &out)
	return out, err
}

// GetSearch fetches a stored search with its slices.
func (c *FocusClient) GetSearch(ctx context.Context, id string) (SearchDetail, error) {
	var out SearchDetail
	err := c.call(ctx, getSearchPath, map[string]any{"id": id}, &out)
	return out, err
}

func (c *FocusClient) call(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	data, err := resp.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func clientTLS(opts ClientOptions) (*tls.Config, error) {
	config := &tls.Config{}

	if opts.CACert != "" {
		caCert, err := os.ReadFile(opts.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		config.RootCAs = pool
	}

	if opts.TLSCert != "" && opts.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLSCert, opts.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %v", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
