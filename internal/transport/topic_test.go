package transport

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseTopicTemplate(t *testing.T) {
	tests := []struct {
		name      string
		template  string
		wantNames []string
		wantErr   bool
	}{
		{"literal", "sensors/kitchen/temp", nil, false},
		{"dollar name", "sensors/$id/temp", []string{"id"}, false},
		{"braced name", "sensors/${id}/temp", []string{"id"}, false},
		{"braced inside level", "dev-${room}-${id}/state", []string{"room", "id"}, false},
		{"repeated name", "$id/$id", []string{"id"}, false},
		{"name with dash and underscore", "a/$device_id-x", []string{"device_id-x"}, false},
		{"escaped dollar", "$$SYS/broker", nil, false},
		{"lone dollar", "price/$/usd", nil, false},
		{"trailing dollar", "price/$", nil, false},
		{"wildcards are literal", "sensors/+/#", nil, false},
		{"empty", "", nil, true},
		{"unterminated brace", "sensors/${id/temp", nil, true},
		{"empty braces", "sensors/${}/temp", nil, true},
		{"invalid braced name", "sensors/${a b}/temp", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := ParseTopicTemplate(tt.template)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTopicTemplate(%q) error = %v, wantErr %v", tt.template, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			got := tmpl.Placeholders()
			if len(got) == 0 {
				got = nil
			}
			if !reflect.DeepEqual(got, tt.wantNames) {
				t.Errorf("Placeholders() = %v, want %v", got, tt.wantNames)
			}
			if tmpl.SubstitutionRequired() != (len(tt.wantNames) > 0) {
				t.Errorf("SubstitutionRequired() = %v, want %v", tmpl.SubstitutionRequired(), len(tt.wantNames) > 0)
			}
			if tmpl.String() != tt.template {
				t.Errorf("String() = %q, want %q", tmpl.String(), tt.template)
			}
		})
	}
}

func TestTopicTemplate_Resolve(t *testing.T) {
	tests := []struct {
		name     string
		template string
		attrs    map[string]string
		want     string
	}{
		{"single placeholder", "sensors/$id/temp", map[string]string{"id": "42"}, "sensors/42/temp"},
		{"braced", "sensors/${id}temp", map[string]string{"id": "42"}, "sensors/42temp"},
		{"two placeholders", "$site/$room/state", map[string]string{"site": "hq", "room": "lab"}, "hq/lab/state"},
		{"repeated placeholder", "$id/$id", map[string]string{"id": "x"}, "x/x"},
		{"extra attributes ignored", "a/$id", map[string]string{"id": "1", "other": "2"}, "a/1"},
		{"literal needs no attributes", "sensors/kitchen", nil, "sensors/kitchen"},
		{"escaped dollar", "$$SYS/$id", map[string]string{"id": "up"}, "$SYS/up"},
		{"lone dollar kept", "price/$/$cur", map[string]string{"cur": "usd"}, "price/$/usd"},
		{"empty value", "a/$id/b", map[string]string{"id": ""}, "a//b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := ParseTopicTemplate(tt.template)
			if err != nil {
				t.Fatalf("ParseTopicTemplate() error = %v", err)
			}
			got, err := tmpl.Resolve(tt.attrs)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTopicTemplate_ResolveErrors(t *testing.T) {
	tmpl, err := ParseTopicTemplate("$site/$room/$id")
	if err != nil {
		t.Fatalf("ParseTopicTemplate() error = %v", err)
	}

	got, err := tmpl.Resolve(map[string]string{"room": "lab"})
	if got != "" {
		t.Errorf("Resolve() = %q, want no partial topic", got)
	}
	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("Resolve() error = %v, want *ResolutionError", err)
	}
	if !errors.Is(err, ErrUnresolvedPlaceholder) {
		t.Error("ResolutionError does not match ErrUnresolvedPlaceholder")
	}
	if !reflect.DeepEqual(re.Missing, []string{"site", "id"}) {
		t.Errorf("Missing = %v, want [site id]", re.Missing)
	}

	_, err = tmpl.Resolve(map[string]string{"site": "hq", "room": "+", "id": "a#"})
	if !errors.As(err, &re) {
		t.Fatalf("Resolve() error = %v, want *ResolutionError", err)
	}
	if !reflect.DeepEqual(re.Invalid, []string{"room", "id"}) {
		t.Errorf("Invalid = %v, want [room id]", re.Invalid)
	}
}

func TestTopicTemplate_Filter(t *testing.T) {
	tests := []struct {
		template string
		want     string
	}{
		{"sensors/$id/temp", "sensors/+/temp"},
		{"sensors/dev-${id}/temp", "sensors/+/temp"},
		{"$site/$room", "+/+"},
		{"sensors/$id/#", "sensors/+/#"},
		{"sensors/kitchen", "sensors/kitchen"},
		{"$$SYS/#", "$SYS/#"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			tmpl, err := ParseTopicTemplate(tt.template)
			if err != nil {
				t.Fatalf("ParseTopicTemplate() error = %v", err)
			}
			if got := tmpl.Filter(); got != tt.want {
				t.Errorf("Filter() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTopicTemplate_Extract(t *testing.T) {
	tests := []struct {
		name     string
		template string
		topic    string
		want     map[string]string
		wantOK   bool
	}{
		{"single", "sensors/$id/temp", "sensors/42/temp", map[string]string{"id": "42"}, true},
		{"prefix inside level", "sensors/dev-${id}/temp", "sensors/dev-7/temp", map[string]string{"id": "7"}, true},
		{"no match", "sensors/$id/temp", "sensors/42/humidity", nil, false},
		{"does not span levels", "sensors/$id", "sensors/a/b", nil, false},
		{"repeated agree", "$id/$id", "x/x", map[string]string{"id": "x"}, true},
		{"repeated disagree", "$id/$id", "x/y", nil, false},
		{"multi-level wildcard", "sensors/$id/#", "sensors/9/a/b", map[string]string{"id": "9"}, true},
		{"multi-level wildcard parent", "sensors/$id/#", "sensors/9", map[string]string{"id": "9"}, true},
		{"single-level wildcard", "+/$id", "site/5", map[string]string{"id": "5"}, true},
		{"literal template", "a/b", "a/b", map[string]string{}, true},
		{"regexp characters literal", "a.b/$id", "aXb/1", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := ParseTopicTemplate(tt.template)
			if err != nil {
				t.Fatalf("ParseTopicTemplate() error = %v", err)
			}
			got, ok := tmpl.Extract(tt.topic)
			if ok != tt.wantOK {
				t.Fatalf("Extract(%q) ok = %v, want %v", tt.topic, ok, tt.wantOK)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract(%q) = %v, want %v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestTopicTemplate_HasWildcards(t *testing.T) {
	tests := []struct {
		template string
		want     bool
	}{
		{"sensors/$id/temp", false},
		{"sensors/+/temp", true},
		{"sensors/#", true},
		{"a/$id", false},
	}
	for _, tt := range tests {
		tmpl, err := ParseTopicTemplate(tt.template)
		if err != nil {
			t.Fatalf("ParseTopicTemplate(%q) error = %v", tt.template, err)
		}
		if got := tmpl.HasWildcards(); got != tt.want {
			t.Errorf("HasWildcards(%q) = %v, want %v", tt.template, got, tt.want)
		}
	}
}
