package location

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    Location
		wantErr bool
	}{
		{"cluster-1/appdb", Location{"cluster-1", "appdb"}, false},
		{"10.0.0.1:27017/appdb", Location{"10.0.0.1:27017", "appdb"}, false},
		{"noslash", Location{}, true},
		{"/appdb", Location{}, true},
		{"cluster-1/", Location{}, true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestLocationString(t *testing.T) {
	l := Location{ClusterAddr: "B", DatabaseName: "appdb"}
	if got, want := l.String(), "B/appdb"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
