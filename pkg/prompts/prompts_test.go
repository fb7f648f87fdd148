package prompts

import (
	"strings"
	"testing"
)

func TestRender_SolvingFillsVars(t *testing.T) {
	got := Render(KindSolving, map[string]string{
		"student_name":     "小明",
		"grade":            "五年级",
		"subject":          "数学",
		"question_context": "题目内容：1+1=?",
	})

	for _, want := range []string{"小明", "五年级", "数学", "题目内容：1+1=?"} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered prompt missing %q", want)
		}
	}
	if strings.Contains(got, "{student_name}") {
		t.Error("rendered prompt still has unfilled placeholder")
	}
}

func TestRender_Defaults(t *testing.T) {
	got := Render(KindSolving, nil)

	for _, want := range []string{"同学", "初中", "未知", "暂无题目信息"} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered prompt missing default %q", want)
		}
	}
}

func TestRender_UnknownKindFallsBackToChat(t *testing.T) {
	got := Render("banter", nil)
	want := Render(KindChat, nil)
	if got != want {
		t.Error("unknown kind should render the chat template")
	}
}

func TestRender_EmptyVarTakesDefault(t *testing.T) {
	got := Render(KindChat, map[string]string{"student_name": ""})
	if !strings.Contains(got, "同学") {
		t.Error("empty variable should fall back to default")
	}
}

func TestQuestionContext_Build(t *testing.T) {
	q := QuestionContext{
		QuestionText:  "解方程 x²-6x+9=0",
		UserAnswer:    "x=3",
		CorrectAnswer: "x=3",
	}
	got := q.Build()

	want := "题目内容：解方程 x²-6x+9=0\n学生答案：x=3\n参考答案：x=3"
	if got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

func TestQuestionContext_BuildEmpty(t *testing.T) {
	if got := (QuestionContext{}).Build(); got != "" {
		t.Errorf("empty context Build() = %q, want empty", got)
	}
}
