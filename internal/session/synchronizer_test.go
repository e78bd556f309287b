package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/bookvoice/server/domain"
	"github.com/satriahrh/bookvoice/server/domain/entities"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
)

const testSignedURL = "wss://api.elevenlabs.io/v1/convai/conversation?agent_id=a&token=t"

type fakeMicrophone struct {
	granted bool
	err     error
	block   chan struct{}
}

func (f *fakeMicrophone) RequestMicrophone(ctx context.Context) (bool, error) {
	if f.block != nil {
		<-f.block
	}
	return f.granted, f.err
}

type fakeIssuer struct {
	mu         sync.Mutex
	credential entities.SessionCredential
	err        error
	calls      int
}

func (f *fakeIssuer) IssueCredential(ctx context.Context, agentID string) (entities.SessionCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.credential, f.err
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHandle struct {
	events chan entities.SessionEvent
	endErr error

	mu    sync.Mutex
	ended int
	audio [][]byte
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan entities.SessionEvent, 8)}
}

func (h *fakeHandle) Events() <-chan entities.SessionEvent { return h.events }

func (h *fakeHandle) SendAudio(pcm []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = append(h.audio, pcm)
	return nil
}

func (h *fakeHandle) EndSession(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended++
	return h.endErr
}

func (h *fakeHandle) Status() entities.ConnectionStatus { return entities.StatusConnecting }
func (h *fakeHandle) IsSpeaking() bool                   { return false }
func (h *fakeHandle) ConversationID() string             { return "conv-fake" }

func (h *fakeHandle) endCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

type fakeOpener struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
	params  []entities.SessionParams
}

func (f *fakeOpener) StartSession(ctx context.Context, params entities.SessionParams) (repositories.ConversationSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	h := newFakeHandle()
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeOpener) handle(i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

func (f *fakeOpener) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1]
}

type stateRecorder struct {
	mu     sync.Mutex
	states []entities.UiState
}

func (r *stateRecorder) listen(state entities.UiState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

type fixture struct {
	sync     *Synchronizer
	mic      *fakeMicrophone
	issuer   *fakeIssuer
	opener   *fakeOpener
	recorder *stateRecorder
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		mic:      &fakeMicrophone{granted: true},
		issuer:   &fakeIssuer{credential: entities.SessionCredential{SignedURL: testSignedURL}},
		opener:   &fakeOpener{},
		recorder: &stateRecorder{},
	}
	f.sync = NewSynchronizer(f.mic, f.issuer, f.opener, f.recorder.listen, zaptest.NewLogger(t))
	return f
}

var (
	testPosition = entities.ReadingPosition{ChapterLabel: "Chapter IV", ParagraphSnippet: ""}
	testVoice    = entities.VoiceSelection{Name: "Will", VoiceID: "bIHbv24MWmeRgasZH58o"}
)

func waitForStatus(t *testing.T, s *Synchronizer, status entities.ConnectionStatus) entities.UiState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state := s.State(); state.Status == status {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for status %s, got %s", status, s.State().Status)
	return entities.UiState{}
}

func (f *fixture) connect(t *testing.T) *fakeHandle {
	t.Helper()
	if err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h := f.opener.last()
	h.events <- entities.SessionEvent{Type: entities.EventConnected}
	waitForStatus(t, f.sync, entities.StatusConnected)
	return h
}

func TestTransition(t *testing.T) {
	tests := []struct {
		state entities.ConnectionStatus
		in    input
		next  entities.ConnectionStatus
		ok    bool
	}{
		{entities.StatusIdle, inputStart, entities.StatusConnecting, true},
		{entities.StatusIdle, inputConnected, entities.StatusIdle, false},
		{entities.StatusIdle, inputStop, entities.StatusIdle, true},
		{entities.StatusConnecting, inputStart, entities.StatusConnecting, false},
		{entities.StatusConnecting, inputConnected, entities.StatusConnected, true},
		{entities.StatusConnecting, inputFailed, entities.StatusIdle, true},
		{entities.StatusConnecting, inputError, entities.StatusIdle, true},
		{entities.StatusConnected, inputStart, entities.StatusConnected, false},
		{entities.StatusConnected, inputDisconnected, entities.StatusIdle, true},
		{entities.StatusConnected, inputStop, entities.StatusIdle, true},
		{entities.StatusConnected, inputConnected, entities.StatusConnected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state)+"/"+tt.in.String(), func(t *testing.T) {
			next, ok := transition(tt.state, tt.in)
			if next != tt.next || ok != tt.ok {
				t.Errorf("Expected (%s, %v), got (%s, %v)", tt.next, tt.ok, next, ok)
			}
		})
	}
}

func TestStart_PermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.mic.granted = false

	err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack")
	if domain.KindOf(err) != domain.KindPermissionDenied {
		t.Fatalf("Expected permission denied, got %v", err)
	}

	state := f.sync.State()
	if state.Status != entities.StatusIdle {
		t.Errorf("Expected idle, got %s", state.Status)
	}
	if state.ErrorMessage != MessagePermissionDenied {
		t.Errorf("Expected permission message, got %q", state.ErrorMessage)
	}
	if f.issuer.callCount() != 0 {
		t.Errorf("Expected no credential request, got %d", f.issuer.callCount())
	}
}

func TestStart_DemoCredential(t *testing.T) {
	f := newFixture(t)
	f.issuer.credential = entities.DemoCredential()

	if err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack"); err != nil {
		t.Fatalf("Expected no error in demo mode, got %v", err)
	}

	state := f.sync.State()
	if state.Status != entities.StatusIdle || !state.IsDemoMode {
		t.Errorf("Expected idle demo state, got %+v", state)
	}
	if state.ErrorMessage != MessageDemoMode || !state.ConfigProblem {
		t.Errorf("Expected demo notice with config problem, got %+v", state)
	}
	if len(f.opener.params) != 0 {
		t.Error("Expected no session to be opened in demo mode")
	}
}

func TestStart_MalformedCredential(t *testing.T) {
	for _, raw := range []string{"", "not a url", "ftp://example.com/x", "wss://"} {
		t.Run(raw, func(t *testing.T) {
			f := newFixture(t)
			f.issuer.credential = entities.SessionCredential{SignedURL: raw}

			err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack")
			if domain.KindOf(err) != domain.KindMalformedCredential {
				t.Fatalf("Expected malformed credential, got %v", err)
			}
			state := f.sync.State()
			if state.Status != entities.StatusIdle || state.ErrorMessage != MessageInvalidURL {
				t.Errorf("Unexpected state %+v", state)
			}
			if len(f.opener.params) != 0 {
				t.Error("Expected no session to be opened")
			}
		})
	}
}

func TestStart_UpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.issuer.err = domain.NewUpstreamError(http.StatusUnauthorized, "invalid key")

	err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack")
	if domain.KindOf(err) != domain.KindUpstream {
		t.Fatalf("Expected upstream error, got %v", err)
	}
	state := f.sync.State()
	if state.Status != entities.StatusIdle || state.IsDemoMode {
		t.Errorf("Unexpected state %+v", state)
	}
	if !state.ConfigProblem {
		t.Error("Expected 401 to be flagged as a configuration problem")
	}
}

func TestStart_OpenFailure(t *testing.T) {
	f := newFixture(t)
	f.opener.err = errors.New("handshake refused")

	err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack")
	if domain.KindOf(err) != domain.KindSessionStart {
		t.Fatalf("Expected session start error, got %v", err)
	}
	state := f.sync.State()
	if state.Status != entities.StatusIdle || state.ErrorMessage != "handshake refused" {
		t.Errorf("Unexpected state %+v", state)
	}
}

func TestStart_ConnectsAndPackagesParams(t *testing.T) {
	f := newFixture(t)

	if err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status := f.sync.State().Status; status != entities.StatusConnecting {
		t.Fatalf("Expected connecting before the connected event, got %s", status)
	}

	params := f.opener.params[0]
	if params.ChapterNumber != "4" || params.LineText != "Beginning of the book" {
		t.Errorf("Unexpected params %+v", params)
	}
	if params.FirstName != "Jack" || params.VoiceID != testVoice.VoiceID || params.SignedURL != testSignedURL {
		t.Errorf("Unexpected params %+v", params)
	}

	f.opener.handle(0).events <- entities.SessionEvent{Type: entities.EventConnected}
	state := waitForStatus(t, f.sync, entities.StatusConnected)
	if state.ErrorMessage != "" {
		t.Errorf("Expected error cleared on connect, got %q", state.ErrorMessage)
	}

	active, ok := f.sync.ActiveParams()
	if !ok || active.ChapterNumber != "4" {
		t.Errorf("Expected active params, got %+v %v", active, ok)
	}
}

func TestStart_WhileBusyIsRejected(t *testing.T) {
	f := newFixture(t)

	if err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack"); err != ErrBusy {
		t.Errorf("Expected ErrBusy while connecting, got %v", err)
	}

	f.opener.handle(0).events <- entities.SessionEvent{Type: entities.EventConnected}
	waitForStatus(t, f.sync, entities.StatusConnected)

	notified := f.recorder.count()
	if err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack"); err != ErrBusy {
		t.Errorf("Expected ErrBusy while connected, got %v", err)
	}
	if f.issuer.callCount() != 1 {
		t.Errorf("Expected a single credential request, got %d", f.issuer.callCount())
	}
	if f.recorder.count() != notified {
		t.Error("Expected no state change from a rejected start")
	}
}

func TestStop_IdleIsNoop(t *testing.T) {
	f := newFixture(t)

	if err := f.sync.Stop(context.Background()); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if f.recorder.count() != 0 {
		t.Errorf("Expected no state notifications, got %d", f.recorder.count())
	}
}

func TestStop_WhileStartInFlight(t *testing.T) {
	f := newFixture(t)
	f.mic.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- f.sync.Start(context.Background(), testPosition, testVoice, "Jack")
	}()
	waitForStatus(t, f.sync, entities.StatusConnecting)

	if err := f.sync.Stop(context.Background()); err != ErrBusy {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	close(f.mic.block)
	if err := <-done; err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestStop_EndsSession(t *testing.T) {
	f := newFixture(t)
	h := f.connect(t)

	if err := f.sync.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	state := f.sync.State()
	if state.Status != entities.StatusIdle || state.ErrorMessage != "" || state.IsDemoMode {
		t.Errorf("Unexpected state after stop %+v", state)
	}
	if h.endCount() != 1 {
		t.Errorf("Expected session ended once, got %d", h.endCount())
	}
	if _, ok := f.sync.ActiveParams(); ok {
		t.Error("Expected no active params after stop")
	}
}

func TestStop_FailureStillResetsToIdle(t *testing.T) {
	f := newFixture(t)
	h := f.connect(t)
	h.endErr = errors.New("socket already closed")

	if err := f.sync.Stop(context.Background()); err != nil {
		t.Fatalf("Stop should not fail, got %v", err)
	}
	state := f.sync.State()
	if state.Status != entities.StatusIdle {
		t.Errorf("Expected idle, got %s", state.Status)
	}
	if state.ErrorMessage != "socket already closed" {
		t.Errorf("Expected stop failure reported, got %q", state.ErrorMessage)
	}
}

func TestHandleEvent_StaleHandleIgnored(t *testing.T) {
	f := newFixture(t)
	old := f.connect(t)
	f.sync.mu.Lock()
	oldGeneration := f.sync.generation
	f.sync.mu.Unlock()

	if err := f.sync.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	f.connect(t)

	// Late events from the first session must not touch the second.
	old.events <- entities.SessionEvent{Type: entities.EventError, Err: errors.New("late")}
	f.sync.handleEvent(oldGeneration, entities.SessionEvent{Type: entities.EventDisconnected})
	time.Sleep(20 * time.Millisecond)

	state := f.sync.State()
	if state.Status != entities.StatusConnected || state.ErrorMessage != "" {
		t.Errorf("Expected second session untouched, got %+v", state)
	}
}

func TestHandleEvent_ErrorAndDisconnect(t *testing.T) {
	f := newFixture(t)
	h := f.connect(t)

	h.events <- entities.SessionEvent{Type: entities.EventSpeakingChanged, Speaking: true}
	deadline := time.Now().Add(2 * time.Second)
	for !f.sync.State().IsSpeaking && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !f.sync.State().IsSpeaking {
		t.Fatal("Expected speaking state")
	}

	h.events <- entities.SessionEvent{Type: entities.EventError, Err: domain.NewError(domain.KindInternal, "boom", nil)}
	state := waitForStatus(t, f.sync, entities.StatusIdle)
	if state.ErrorMessage != "Conversation error: boom" {
		t.Errorf("Expected conversation error message, got %q", state.ErrorMessage)
	}
	if state.IsSpeaking {
		t.Error("Expected speaking cleared")
	}

	h2 := f.connect(t)
	close(h2.events)
	state = waitForStatus(t, f.sync, entities.StatusIdle)
	if state.ErrorMessage != "" {
		t.Errorf("Expected clean disconnect, got %q", state.ErrorMessage)
	}
}

func TestSendAudio(t *testing.T) {
	f := newFixture(t)

	if err := f.sync.SendAudio([]byte{1}); err != ErrNotConnected {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}

	h := f.connect(t)
	if err := f.sync.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.audio) != 1 {
		t.Errorf("Expected 1 forwarded chunk, got %d", len(h.audio))
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	h := f.connect(t)

	if err := f.sync.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if h.endCount() != 1 {
		t.Errorf("Expected session ended, got %d", h.endCount())
	}
	if err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack"); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestNotify_ConnectedNeverPublishedAfterStop(t *testing.T) {
	f := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var published []entities.ConnectionStatus

	f.sync.listener = func(state entities.UiState) {
		if state.Status == entities.StatusConnected {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		mu.Lock()
		published = append(published, state.Status)
		mu.Unlock()
	}

	if err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.opener.last().events <- entities.SessionEvent{Type: entities.EventConnected}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connected delivery")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- f.sync.Stop(context.Background()) }()
	waitForStatus(t, f.sync, entities.StatusIdle)
	close(release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(published) == 0 || published[len(published)-1] != entities.StatusIdle {
		t.Errorf("Expected idle to be published last, got %v", published)
	}
}

func TestNotify_SupersededStateSkipped(t *testing.T) {
	f := newFixture(t)

	f.sync.notify(2, entities.UiState{Status: entities.StatusIdle})
	f.sync.notify(1, entities.UiState{Status: entities.StatusConnected})

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	if len(f.recorder.states) != 1 || f.recorder.states[0].Status != entities.StatusIdle {
		t.Errorf("Expected only the newer idle state, got %+v", f.recorder.states)
	}
}

func TestClose_SuppressesPendingStates(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.sync.mu.Lock()
	version, snapshot := f.sync.snapshotLocked()
	f.sync.mu.Unlock()

	if err := f.sync.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	before := f.recorder.count()
	f.sync.notify(version, snapshot)
	if f.recorder.count() != before {
		t.Error("Expected no state published after Close")
	}
}

func TestHandleEvent_ErrorAfterDemoNotice(t *testing.T) {
	f := newFixture(t)
	f.issuer.credential = entities.DemoCredential()
	if err := f.sync.Start(context.Background(), testPosition, testVoice, "Jack"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.issuer.mu.Lock()
	f.issuer.credential = entities.SessionCredential{SignedURL: testSignedURL}
	f.issuer.mu.Unlock()

	h := f.connect(t)
	if f.sync.State().IsDemoMode {
		t.Error("Expected demo mode cleared by a real start")
	}

	h.events <- entities.SessionEvent{Type: entities.EventError, Err: errors.New("agent unavailable")}
	state := waitForStatus(t, f.sync, entities.StatusIdle)
	if state.ErrorMessage != "Conversation error: agent unavailable" {
		t.Errorf("Unexpected error message %q", state.ErrorMessage)
	}
}

func TestConversationID(t *testing.T) {
	f := newFixture(t)
	if id := f.sync.ConversationID(); id != "" {
		t.Errorf("Expected empty id without a session, got %q", id)
	}

	f.connect(t)
	if id := f.sync.ConversationID(); id != "conv-fake" {
		t.Errorf("Expected 'conv-fake', got %q", id)
	}

	if err := f.sync.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if id := f.sync.ConversationID(); id != "" {
		t.Errorf("Expected empty id after stop, got %q", id)
	}
}
