package stdout

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"mongosink/sink"
)

func TestDriver_PrintsRelaxedJSON(t *testing.T) {
	var buf bytes.Buffer
	d := &driver{out: &buf}
	if err := d.Configure(Config{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !d.CheckConnection(context.Background()) {
		t.Fatal("stdout sink should always be reachable")
	}
	if err := d.Store(context.Background(), "mytopic", bson.D{{Key: "mykey", Value: "hi"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `mytopic {"mykey":"hi"}`) {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestDriver_StoreAfterClose(t *testing.T) {
	d := &driver{out: &bytes.Buffer{}}
	_ = d.Close(context.Background())
	_ = d.Close(context.Background())
	if err := d.Store(context.Background(), "c", bson.D{}); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestRegistered(t *testing.T) {
	g, err := sink.NewGateway("stdout")
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	if _, ok := g.(sink.Configurable); !ok {
		t.Fatal("stdout gateway should be configurable")
	}
}
