package discovery

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

var errBoom = errors.New("boom")

type recordingLearner struct {
	learned []types.Peer
}

func (l *recordingLearner) LearnPeers(peers []types.Peer) {
	l.learned = append(l.learned, peers...)
}

func TestHandleIgnoresSelfAnnouncement(t *testing.T) {
	learner := &recordingLearner{}
	a := &Announcer{self: "A", learner: learner, log: types.NopLogger{}}

	data, err := json.Marshal(announcement{SiteID: "A", ListenAddr: "127.0.0.1:9000"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	a.handle(data, nil)

	if len(learner.learned) != 0 {
		t.Fatalf("expected self-announcement to be ignored, got %v", learner.learned)
	}
}

func TestHandleLearnsRemoteAnnouncement(t *testing.T) {
	learner := &recordingLearner{}
	a := &Announcer{self: "A", learner: learner, log: types.NopLogger{}}

	data, err := json.Marshal(announcement{SiteID: "B", ListenAddr: "127.0.0.1:9001"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	a.handle(data, nil)

	if len(learner.learned) != 1 || learner.learned[0].SiteID != "B" {
		t.Fatalf("expected to learn B, got %v", learner.learned)
	}
}

func TestHandleDropsReceiveError(t *testing.T) {
	learner := &recordingLearner{}
	a := &Announcer{self: "A", learner: learner, log: types.NopLogger{}}

	a.handle(nil, errBoom)

	if len(learner.learned) != 0 {
		t.Fatalf("expected no peers learned on receive error, got %v", learner.learned)
	}
}
