package service

import (
	"context"
	"testing"

	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestPreviewSignerNeverSigns(t *testing.T) {
	s := previewSigner("0x1111111111111111111111111111111111111111")
	assert.Equal(t, "0x1111111111111111111111111111111111111111", s.Address(8453))

	_, err := s.SignAndSend(context.Background(), models.TxRequest{Kind: models.TxKindPrimary, ChainID: 8453})
	assert.ErrorIs(t, err, bridge.ErrSignerRejected)
	assert.ErrorContains(t, err, ErrNoSigner.Error())
	assert.Equal(t, bridge.KindSignerRejected, bridge.Classify(err))
}

func TestStartRequiresKey(t *testing.T) {
	svc := &Service{signer: previewSigner("")}
	assert.False(t, svc.CanSign())
	assert.ErrorIs(t, svc.Start(context.Background()), ErrNoSigner)
}
