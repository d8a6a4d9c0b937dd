package condition

import "testing"

func TestEvalBasic(t *testing.T) {
	ctx := Context{Branch: "main", Tag: "", Event: "push", CI: true, Env: map[string]string{"APPROVE": "yes"}}

	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{`branch == 'main'`, true},
		{`branch == 'dev'`, false},
		{`branch != 'dev'`, true},
		{`event == 'push' && ci`, true},
		{`event == 'pull_request' || branch == 'main'`, true},
		{`!(branch == 'dev')`, true},
		{`env.APPROVE == 'yes'`, true},
		{`branch matches 'ma*'`, true},
		{`branch matches 'dev*'`, false},
	}
	for _, c := range cases {
		got, err := Eval(c.expr, ctx)
		if err != nil {
			t.Fatalf("Eval(%q) error: %v", c.expr, err)
		}
		if got != c.want {
			t.Errorf("Eval(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEvalSyntaxError(t *testing.T) {
	ctx := Context{}
	if _, err := Eval("branch ==", ctx); err == nil {
		t.Fatal("expected error for malformed expression")
	}
	if _, err := Eval("branch == 'main' )", ctx); err == nil {
		t.Fatal("expected error for unbalanced parens")
	}
}
