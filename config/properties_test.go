package config

import (
	"reflect"
	"testing"
	"time"
)

func TestPropertiesWithPrefix(t *testing.T) {
	props := Properties{
		"sink.kafka.bootstrap.servers": "a:9092,b:9092",
		"sink.kafka.acks":              "all",
		"sink.kafka.":                  "dropped",
		"sink.coordinator.topic":       "control",
	}

	got := props.WithPrefix(PropKafkaPrefix)
	want := Properties{
		"bootstrap.servers": "a:9092,b:9092",
		"acks":              "all",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected prefixed properties: got=%v want=%v", got, want)
	}
	if got.List("bootstrap.servers")[1] != "b:9092" {
		t.Fatalf("unexpected list split: %v", got.List("bootstrap.servers"))
	}
}

func TestPropertiesParsers(t *testing.T) {
	props := Properties{
		"n":      " 12 ",
		"bad":    "x",
		"ms":     "1500",
		"neg":    "-1",
		"list":   " a, ,b ,",
		"blank":  "  ",
		"single": "z",
	}

	cases := []struct {
		name string
		run  func(t *testing.T)
	}{
		{
			name: "int parses and falls back",
			run: func(t *testing.T) {
				if n, err := props.Int("n", 0); err != nil || n != 12 {
					t.Fatalf("unexpected int: n=%d err=%v", n, err)
				}
				if n, err := props.Int("missing", 3); err != nil || n != 3 {
					t.Fatalf("unexpected fallback: n=%d err=%v", n, err)
				}
				if _, err := props.Int("bad", 0); err == nil {
					t.Fatal("expected parse error")
				}
			},
		},
		{
			name: "millis parses and rejects negatives",
			run: func(t *testing.T) {
				if d, err := props.Millis("ms", 0); err != nil || d != 1500*time.Millisecond {
					t.Fatalf("unexpected duration: d=%v err=%v", d, err)
				}
				if _, err := props.Millis("neg", 0); err == nil {
					t.Fatal("expected negative error")
				}
				if d, err := props.Millis("blank", time.Second); err != nil || d != time.Second {
					t.Fatalf("unexpected fallback: d=%v err=%v", d, err)
				}
			},
		},
		{
			name: "list drops blanks",
			run: func(t *testing.T) {
				if got := props.List("list"); !reflect.DeepEqual(got, []string{"a", "b"}) {
					t.Fatalf("unexpected list: %v", got)
				}
				if got := props.List("missing"); got != nil {
					t.Fatalf("expected nil list, got %v", got)
				}
			},
		},
		{
			name: "require reports every missing key",
			run: func(t *testing.T) {
				err := props.Require("single", "blank", "missing")
				if err == nil || err.Error() != "missing required properties: blank, missing" {
					t.Fatalf("unexpected require error: %v", err)
				}
			},
		},
		{
			name: "clone is independent",
			run: func(t *testing.T) {
				c := props.Clone()
				c["n"] = "99"
				if props["n"] != " 12 " {
					t.Fatal("clone mutated the original")
				}
				if len(c.Keys()) != len(props) {
					t.Fatalf("unexpected key count: %d", len(c.Keys()))
				}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t)
		})
	}
}
