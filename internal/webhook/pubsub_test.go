package webhook

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPubSubSubscriberFeedsIngress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	admin, err := pubsub.NewClient(ctx, "inbox-test", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatal(err)
	}
	defer admin.Close()
	topic, err := admin.CreateTopic(ctx, "gmail-watch")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := admin.CreateSubscription(ctx, "gmail-watch-sub", pubsub.SubscriptionConfig{Topic: topic}); err != nil {
		t.Fatal(err)
	}

	syncer := newFakeSyncer()
	in := NewIngress(fixtures(), syncer, Config{})
	in.Start(ctx)

	sub, err := NewPubSubSubscriber(ctx, "inbox-test", "gmail-watch-sub", in, option.WithGRPCConn(conn))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	srv.Publish("projects/inbox-test/topics/gmail-watch", []byte(`not json`), nil)
	srv.Publish("projects/inbox-test/topics/gmail-watch", []byte(`{"emailAddress":"me@example.com","historyId":"42"}`), nil)

	got := syncer.wait(t, 2)
	seen := map[string]bool{got[0]: true, got[1]: true}
	if !seen["g1"] || !seen["g2"] {
		t.Errorf("synced %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("subscriber did not stop")
	}
}
