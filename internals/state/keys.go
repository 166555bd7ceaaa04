package state

import "fmt"

const (
	KeyPrefixRoom = "liveclass:room:"
	KeyPrefixPeer = "liveclass:peer:"
)

func RoomPeersKey(roomID string) string {
	return fmt.Sprintf("%s%s:peers", KeyPrefixRoom, roomID)
}

func RoomProducersKey(roomID string) string {
	return fmt.Sprintf("%s%s:producers", KeyPrefixRoom, roomID)
}

func PeerKey(peerID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixPeer, peerID)
}
