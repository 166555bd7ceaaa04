package localengine

import (
	"context"
	"testing"
	"time"

	"github.com/Bashar444/liveclass-signaling/internals/media"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) media.Router {
	t.Helper()
	engine := New(zap.NewNop())
	router, err := engine.CreateRouter(context.Background(), media.RouterOptions{})
	require.NoError(t, err)
	return router
}

func newConnectedTransport(t *testing.T, router media.Router) media.Transport {
	t.Helper()
	tr, err := router.CreateWebRtcTransport(context.Background(), media.TransportOptions{})
	require.NoError(t, err)
	err = tr.Connect(context.Background(), media.DtlsParameters{
		Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	})
	require.NoError(t, err)
	return tr
}

func videoParams() media.RtpParameters {
	return media.RtpParameters{
		Codecs:    []media.RtpCodecCapability{{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}},
		Encodings: []media.RtpEncoding{{SSRC: 1234}},
	}
}

func TestProduceConsumeFanOut(t *testing.T) {
	router := newTestRouter(t)
	sendT := newConnectedTransport(t, router)
	recvA := newConnectedTransport(t, router)
	recvB := newConnectedTransport(t, router)

	producer, err := sendT.Produce(context.Background(), media.KindVideo, videoParams())
	require.NoError(t, err)

	consumerA, err := recvA.Consume(context.Background(), producer.ID(), router.RtpCapabilities())
	require.NoError(t, err)
	consumerB, err := recvB.Consume(context.Background(), producer.ID(), router.RtpCapabilities())
	require.NoError(t, err)

	lp, ok := producer.(*Producer)
	require.True(t, ok)

	packet := &rtp.Packet{Header: rtp.Header{SSRC: 1234, SequenceNumber: 7}}
	require.NoError(t, lp.WriteRTP(packet))

	for _, c := range []media.Consumer{consumerA, consumerB} {
		lc := c.(*Consumer)
		select {
		case got := <-lc.Packets():
			assert.Equal(t, uint16(7), got.SequenceNumber)
		case <-time.After(time.Second):
			t.Fatal("consumer did not receive the packet")
		}
	}
}

func TestPausedConsumerDropsPackets(t *testing.T) {
	router := newTestRouter(t)
	sendT := newConnectedTransport(t, router)
	recvT := newConnectedTransport(t, router)

	producer, err := sendT.Produce(context.Background(), media.KindVideo, videoParams())
	require.NoError(t, err)
	consumer, err := recvT.Consume(context.Background(), producer.ID(), router.RtpCapabilities())
	require.NoError(t, err)

	consumer.Pause()
	lp := producer.(*Producer)
	require.NoError(t, lp.WriteRTP(&rtp.Packet{}))

	lc := consumer.(*Consumer)
	select {
	case <-lc.Packets():
		t.Fatal("paused consumer received a packet")
	case <-time.After(50 * time.Millisecond):
	}

	consumer.Resume()
	require.NoError(t, lp.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2}}))
	select {
	case got := <-lc.Packets():
		assert.Equal(t, uint16(2), got.SequenceNumber)
	case <-time.After(time.Second):
		t.Fatal("resumed consumer did not receive the packet")
	}
}

func TestPausedProducerDropsInput(t *testing.T) {
	router := newTestRouter(t)
	sendT := newConnectedTransport(t, router)
	recvT := newConnectedTransport(t, router)

	producer, err := sendT.Produce(context.Background(), media.KindVideo, videoParams())
	require.NoError(t, err)
	consumer, err := recvT.Consume(context.Background(), producer.ID(), router.RtpCapabilities())
	require.NoError(t, err)

	producer.Pause()
	assert.True(t, producer.Paused())
	require.NoError(t, producer.(*Producer).WriteRTP(&rtp.Packet{}))

	select {
	case <-consumer.(*Consumer).Packets():
		t.Fatal("consumer received a packet from a paused producer")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConsumeUnknownProducer(t *testing.T) {
	router := newTestRouter(t)
	recvT := newConnectedTransport(t, router)

	_, err := recvT.Consume(context.Background(), "missing", router.RtpCapabilities())
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestProducerCloseCascadesToConsumers(t *testing.T) {
	router := newTestRouter(t)
	sendT := newConnectedTransport(t, router)
	recvT := newConnectedTransport(t, router)

	producer, err := sendT.Produce(context.Background(), media.KindVideo, videoParams())
	require.NoError(t, err)
	consumer, err := recvT.Consume(context.Background(), producer.ID(), router.RtpCapabilities())
	require.NoError(t, err)

	require.NoError(t, producer.Close())
	assert.True(t, consumer.Closed())

	// Closed consumers end their packet stream.
	_, open := <-consumer.(*Consumer).Packets()
	assert.False(t, open)

	// The producer is gone from the router directory.
	_, err = recvT.Consume(context.Background(), producer.ID(), router.RtpCapabilities())
	assert.ErrorIs(t, err, media.ErrNotFound)
}

// TestProducerCloseRacesDelivery tears the producer down while packets are
// fanning out. The cascade closes the consumer's channel; delivery in flight
// must drop cleanly instead of hitting the closed channel.
func TestProducerCloseRacesDelivery(t *testing.T) {
	router := newTestRouter(t)
	sendT := newConnectedTransport(t, router)
	recvT := newConnectedTransport(t, router)

	producer, err := sendT.Produce(context.Background(), media.KindVideo, videoParams())
	require.NoError(t, err)
	consumer, err := recvT.Consume(context.Background(), producer.ID(), router.RtpCapabilities())
	require.NoError(t, err)

	lp := producer.(*Producer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			if lp.WriteRTP(&rtp.Packet{}) != nil {
				return
			}
		}
	}()

	require.NoError(t, producer.Close())
	<-done

	assert.True(t, consumer.Closed())
	for range consumer.(*Consumer).Packets() {
	}
}

func TestProduceInvalidKind(t *testing.T) {
	router := newTestRouter(t)
	sendT := newConnectedTransport(t, router)

	_, err := sendT.Produce(context.Background(), media.Kind("screenshare"), videoParams())
	assert.ErrorIs(t, err, media.ErrInvalidKind)
}

func TestConnectRequiresFingerprints(t *testing.T) {
	router := newTestRouter(t)
	tr, err := router.CreateWebRtcTransport(context.Background(), media.TransportOptions{})
	require.NoError(t, err)

	err = tr.Connect(context.Background(), media.DtlsParameters{})
	assert.Error(t, err)
}

func TestKeyFrameRequestReachesProducer(t *testing.T) {
	router := newTestRouter(t)
	sendT := newConnectedTransport(t, router)
	recvT := newConnectedTransport(t, router)

	producer, err := sendT.Produce(context.Background(), media.KindVideo, videoParams())
	require.NoError(t, err)
	consumer, err := recvT.Consume(context.Background(), producer.ID(), router.RtpCapabilities())
	require.NoError(t, err)

	require.NoError(t, consumer.RequestKeyFrame())

	select {
	case pli := <-producer.(*Producer).KeyFrameRequests():
		assert.Equal(t, uint32(1234), pli.MediaSSRC)
	case <-time.After(time.Second):
		t.Fatal("no keyframe request arrived")
	}
}

func TestRouterCloseTearsDownProducers(t *testing.T) {
	router := newTestRouter(t)
	sendT := newConnectedTransport(t, router)

	producer, err := sendT.Produce(context.Background(), media.KindVideo, videoParams())
	require.NoError(t, err)

	require.NoError(t, router.Close())

	assert.ErrorIs(t, producer.(*Producer).WriteRTP(&rtp.Packet{}), media.ErrClosed)

	_, err = router.CreateWebRtcTransport(context.Background(), media.TransportOptions{})
	assert.ErrorIs(t, err, media.ErrClosed)
}

func TestTransportCloseClosesOwned(t *testing.T) {
	router := newTestRouter(t)
	sendT := newConnectedTransport(t, router)

	producer, err := sendT.Produce(context.Background(), media.KindAudio, media.RtpParameters{
		Codecs: []media.RtpCodecCapability{{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}},
	})
	require.NoError(t, err)

	require.NoError(t, sendT.Close())
	assert.ErrorIs(t, producer.(*Producer).WriteRTP(&rtp.Packet{}), media.ErrClosed)

	_, err = sendT.Produce(context.Background(), media.KindAudio, media.RtpParameters{})
	assert.ErrorIs(t, err, media.ErrClosed)
}
