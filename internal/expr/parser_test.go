package expr

import "testing"

func TestParseAllowedConstructs(t *testing.T) {
	cases := []string{
		`row['status'] == 'active'`,
		`row.get('count', 0) > 10`,
		`row['a'] and row['b']`,
		`not row['flag']`,
		`'yes' if row['ok'] else 'no'`,
		`row['x'] in [1, 2, 3]`,
		`row['n'] + 1 * 2 - 3 // 2 % 2`,
		`row.get('tags') is null`,
	}
	for _, c := range cases {
		if _, err := Parse(c); err != nil {
			t.Errorf("expected %q to parse, got %v", c, err)
		}
	}
}

func TestParseRejectsImportExploit(t *testing.T) {
	_, err := Parse(`__import__('os').system('x')`)
	if err == nil {
		t.Fatal("expected rejection of __import__ exploit")
	}
	if _, ok := err.(*SecurityError); !ok {
		t.Fatalf("expected *SecurityError, got %T: %v", err, err)
	}
}

func TestParseRejectsForbiddenConstructs(t *testing.T) {
	cases := map[string]string{
		"lambda":      `lambda x: x`,
		"comprehension": `[x for x in row['items']]`,
		"walrus":      `row['x'] := 5`,
		"assignment":  `row['x'] = 5`,
		"fstring":     `f"{row['x']}"`,
		"attribute":   `row.items`,
		"call":        `len(row['x'])`,
		"slice":       `row['x'][1:2]`,
		"import":      `import os`,
		"yield":       `yield row`,
		"await":       `await row`,
		"name":        `os.system('x')`,
	}
	for name, src := range cases {
		_, err := Parse(src)
		if err == nil {
			t.Errorf("%s: expected rejection of %q", name, src)
			continue
		}
	}
}

func TestParseSyntaxErrorVsSecurityError(t *testing.T) {
	_, err := Parse(`row['x'] ==`)
	if _, ok := err.(*SyntaxError); !ok {
		t.Fatalf("expected *SyntaxError for malformed input, got %T: %v", err, err)
	}

	_, err = Parse(`eval('1')`)
	if _, ok := err.(*SecurityError); !ok {
		t.Fatalf("expected *SecurityError for forbidden call, got %T: %v", err, err)
	}
}
