package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/payrail/payrail/internal/idgen"
	"github.com/payrail/payrail/internal/order"
	"github.com/payrail/payrail/internal/transfers"
)

// stubEscrowProvider is the development escrow backend. Every call
// succeeds instantly and state lives in memory, so the full order flow
// works without a chain connection.
type stubEscrowProvider struct {
	mu     sync.Mutex
	states map[string]order.ProviderStatus
}

func newStubEscrowProvider() *stubEscrowProvider {
	return &stubEscrowProvider{states: make(map[string]order.ProviderStatus)}
}

func (p *stubEscrowProvider) Create(_ context.Context, orderID, _, _, _ string) (string, error) {
	contractID := "stub_" + orderID
	p.mu.Lock()
	p.states[contractID] = order.ProviderCreated
	p.mu.Unlock()
	return contractID, nil
}

func (p *stubEscrowProvider) Fund(_ context.Context, contractID, _ string) error {
	return p.set(contractID, order.ProviderFunded)
}

func (p *stubEscrowProvider) Release(_ context.Context, contractID string) error {
	return p.set(contractID, order.ProviderReleased)
}

func (p *stubEscrowProvider) Refund(_ context.Context, contractID string) error {
	return p.set(contractID, order.ProviderRefunded)
}

func (p *stubEscrowProvider) ResolveDispute(_ context.Context, contractID, _, _ string) error {
	return p.set(contractID, order.ProviderReleased)
}

func (p *stubEscrowProvider) Status(_ context.Context, contractID string) (order.ProviderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[contractID]
	if !ok {
		return order.ProviderUnknown, fmt.Errorf("unknown contract %s", contractID)
	}
	return st, nil
}

func (p *stubEscrowProvider) set(contractID string, st order.ProviderStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.states[contractID]; !ok {
		return fmt.Errorf("unknown contract %s", contractID)
	}
	p.states[contractID] = st
	return nil
}

// stubCustodialClient is the development custodial backend. Outbound
// transfers are accepted and immediately report as posted.
type stubCustodialClient struct {
	mu   sync.Mutex
	refs map[string]bool
}

func newStubCustodialClient() *stubCustodialClient {
	return &stubCustodialClient{refs: make(map[string]bool)}
}

func (c *stubCustodialClient) GetBalance(context.Context) (string, error) {
	return "1000000.00", nil
}

func (c *stubCustodialClient) CreateTransferOut(_ context.Context, _, _, _, _ string) (string, error) {
	ref := idgen.WithPrefix("stub_po_")
	c.mu.Lock()
	c.refs[ref] = true
	c.mu.Unlock()
	return ref, nil
}

func (c *stubCustodialClient) RefreshTransferStatus(_ context.Context, providerRef string) (transfers.TransferStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.refs[providerRef] {
		return transfers.TransferPending, fmt.Errorf("unknown transfer %s", providerRef)
	}
	return transfers.TransferPosted, nil
}
