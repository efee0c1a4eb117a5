package jwgl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gradewatch/internal/browser"
	"gradewatch/internal/browser/browsertest"
	"gradewatch/internal/components/telemetry"
	"gradewatch/internal/components/telemetry/telemetrytest"
	"gradewatch/internal/snapshot"

	"github.com/stretchr/testify/require"
)

const loginURL = "http://jwgl.example.edu.cn/"

type fixedImages struct {
	calls int
	fail  func(n int) bool
}

func (f *fixedImages) Acquire(context.Context, browser.Page) ([]byte, bool) {
	f.calls++
	if f.fail != nil && f.fail(f.calls) {
		return nil, false
	}
	return browsertest.PNG(256), true
}

type scriptedReader struct {
	codes []string
	calls int
}

func (s *scriptedReader) Recognize(context.Context, []byte) (string, bool) {
	code := s.codes[s.calls%len(s.codes)]
	s.calls++
	return code, code != ""
}

// loginPage accepts a login once the captcha field holds `code`.
func loginPage(code string) *browsertest.Page {
	return &browsertest.Page{
		PageTitle: "欢迎使用正方教务管理系统！",
		OnClick: func(p *browsertest.Page, selector string) {
			if selector != SubmitSelector {
				return
			}
			if p.Filled[CaptchaSelector] == code {
				p.CurrentURL = loginURL + "xs_main.aspx?xh=3200000001"
				return
			}
			p.Alerts = append(p.Alerts, "验证码不正确！！")
		},
	}
}

func fastLogin(images ImageSource, reader CodeReader, tel telemetry.API) LoginSession {
	return NewLoginSession(LoginOptions{
		LoginURL:      loginURL,
		SubmitTimeout: 20 * time.Millisecond,
		PollInterval:  time.Millisecond,
	}, images, reader, tel)
}

func TestLoginFirstAttempt(t *testing.T) {
	page := loginPage("ab12")
	session := fastLogin(&fixedImages{}, &scriptedReader{codes: []string{"ab12"}}, telemetry.SlogAPI{})

	result, err := session.Login(context.Background(), page, Credentials{Username: "3200000001", Password: "hunter2"})
	require.NoError(t, err)
	require.Equal(t, LoginResult{Outcome: Success, Attempts: 1}, result)
	require.Equal(t, 1, page.Navigations)
	require.Equal(t, map[string]string{
		UsernameSelector: "3200000001",
		PasswordSelector: "hunter2",
		CaptchaSelector:  "ab12",
	}, page.Filled)
	require.Equal(t, []string{LoginTypeSelector, SubmitSelector}, page.Clicked)
}

func TestLoginSucceedsOnLastAttempt(t *testing.T) {
	page := loginPage("ab12")
	rec := &telemetrytest.Recorder{}
	images := &fixedImages{}
	reader := &scriptedReader{codes: []string{"", "wxyz", "", "wxyz", "", "wxyz", "", "wxyz", "", "ab12"}}
	session := fastLogin(images, reader, rec)

	result, err := session.Login(context.Background(), page, Credentials{Username: "u", Password: "p"})
	require.NoError(t, err)
	require.Equal(t, LoginResult{Outcome: Success, Attempts: 10}, result)
	require.Equal(t, 10, page.Navigations)

	// unrecognized captchas are never submitted
	submits := 0
	for _, selector := range page.Clicked {
		if selector == SubmitSelector {
			submits++
		}
	}
	require.Equal(t, 5, submits)
	require.Len(t, rec.Reports("warning", report_login_captcha), 5)
	require.Len(t, rec.Reports("warning", report_login_rejected), 4)
}

func TestLoginRejectionReportsDialogMessage(t *testing.T) {
	page := loginPage("ab12")
	rec := &telemetrytest.Recorder{}
	session := fastLogin(&fixedImages{}, &scriptedReader{codes: []string{"wxyz", "ab12"}}, rec)

	result, err := session.Login(context.Background(), page, Credentials{Username: "u", Password: "p"})
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempts)

	rejected := rec.Reports("warning", report_login_rejected)
	require.Len(t, rejected, 1)
	require.Equal(t, 1, rejected[0].Params[1])
	require.Equal(t, []string{"验证码不正确！！"}, rejected[0].Params[3])
	require.Empty(t, page.Alerts)
}

func TestLoginRejectionFallsBackToInlineScripts(t *testing.T) {
	page := &browsertest.Page{
		PageTitle: "欢迎使用正方教务管理系统！",
		Scripts:   []string{"var x = 1;", " alert('用户名不存在或未按照要求参加教学活动！！'); "},
	}
	rec := &telemetrytest.Recorder{}
	session := NewLoginSession(LoginOptions{
		LoginURL:      loginURL,
		MaxAttempts:   1,
		SubmitTimeout: time.Millisecond,
		PollInterval:  time.Millisecond,
	}, &fixedImages{}, &scriptedReader{codes: []string{"ab12"}}, rec)

	_, err := session.Login(context.Background(), page, Credentials{Username: "u", Password: "p"})
	require.ErrorIs(t, err, ErrLoginFailed)

	rejected := rec.Reports("warning", report_login_rejected)
	require.Len(t, rejected, 1)
	require.Equal(t, []string{"alert('用户名不存在或未按照要求参加教学活动！！');"}, rejected[0].Params[3])
}

func TestLoginExhaustsAttempts(t *testing.T) {
	page := loginPage("ab12")
	images := &fixedImages{fail: func(n int) bool { return n%2 == 0 }}
	session := fastLogin(images, &scriptedReader{codes: []string{"zzzz"}}, telemetry.SlogAPI{})

	result, err := session.Login(context.Background(), page, Credentials{Username: "u", Password: "p"})
	require.ErrorIs(t, err, ErrLoginFailed)
	require.Equal(t, LoginResult{Outcome: FailedTerminal, Attempts: DefaultMaxAttempts}, result)
	require.Equal(t, DefaultMaxAttempts, page.Navigations)
	require.Equal(t, DefaultMaxAttempts, images.calls)
}

type failingNavigation struct {
	*browsertest.Page
}

func (f failingNavigation) Navigate(context.Context, string) error {
	f.Page.Navigations++
	return errors.New("net::ERR_CONNECTION_RESET")
}

func TestLoginNavigationErrorsConsumeAttempts(t *testing.T) {
	page := failingNavigation{Page: loginPage("ab12")}
	images := &fixedImages{}
	session := NewLoginSession(LoginOptions{MaxAttempts: 3}, images, &scriptedReader{codes: []string{"ab12"}}, telemetry.SlogAPI{})

	result, err := session.Login(context.Background(), page, Credentials{Username: "u", Password: "p"})
	require.ErrorIs(t, err, ErrLoginFailed)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, 3, page.Navigations)
	require.Zero(t, images.calls)
}

func TestLoginCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	page := loginPage("ab12")
	page.OnNavigate = func(p *browsertest.Page, n int) {
		if n == 2 {
			cancel()
		}
	}
	session := fastLogin(&fixedImages{}, &scriptedReader{codes: []string{"zzzz"}}, telemetry.SlogAPI{})

	result, err := session.Login(ctx, page, Credentials{Username: "u", Password: "p"})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrLoginFailed)
	require.Equal(t, 2, result.Attempts)
	require.Equal(t, 2, page.Navigations)
}

const gradeTable = `
<table class="datelist" id="Datagrid1">
	<tr class="datelisthead">
		<td>学年</td><td>学期</td><td>课程代码</td><td>课程名称</td>
		<td>课程性质</td><td>课程归属</td><td>学分</td><td>成绩</td>
	</tr>
	<tr>
		<td>2023-2024</td><td>1</td><td>B7012345</td><td> 高等数学 A </td>
		<td>必修课</td><td>&nbsp;</td><td>5.0</td><td>92</td>
	</tr>
	<tr><td colspan="8">没有更多记录</td></tr>
	<tr>
		<td>2023-2024</td><td>2</td><td>B7054321</td><td>大学英语</td>
		<td>必修课</td><td>公共课</td><td>2.0</td><td>良好</td><td>extra</td>
	</tr>
</table>`

var expectedGrades = []snapshot.GradeRecord{
	{
		AcademicYear: "2023-2024",
		Term:         "1",
		CourseCode:   "B7012345",
		CourseName:   "高等数学 A",
		CourseType:   "必修课",
		Credits:      "5.0",
		Score:        "92",
	},
	{
		AcademicYear:   "2023-2024",
		Term:           "2",
		CourseCode:     "B7054321",
		CourseName:     "大学英语",
		CourseType:     "必修课",
		CourseCategory: "公共课",
		Credits:        "2.0",
		Score:          "良好",
	},
}

func TestParseGradeTable(t *testing.T) {
	records, err := ParseGradeTable("<html><body>" + gradeTable + "</body></html>")
	require.NoError(t, err)
	require.Equal(t, expectedGrades, records)

	records, err = ParseGradeTable(`<table id="Datagrid1"><tr><td>学年</td></tr></table>`)
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)

	_, err = ParseGradeTable(`<table id="other"></table>`)
	require.ErrorIs(t, err, ErrGradeTableNotFound)
}

func anchors(t *testing.T, texts ...string) []browser.Element {
	markup := ""
	for _, text := range texts {
		markup += fmt.Sprintf(`<a href="#">%s</a>`, text)
	}
	doc := &browsertest.Document{Markup: markup}
	elements, err := doc.QueryAll(context.Background(), "a")
	require.NoError(t, err)
	return elements
}

func TestMatchMenu(t *testing.T) {
	table := []struct {
		anchors  []string
		label    string
		expected string
	}{
		{anchors: []string{"网上选课", "信息查询", "成绩查询"}, label: InfoMenuLabel, expected: "信息查询"},
		{anchors: []string{"学生个人成绩查询", "信息查询"}, label: GradesMenuLabel, expected: "学生个人成绩查询"},
		{anchors: []string{"退出系统", "成績查询"}, label: GradesMenuLabel, expected: "成績查询"},
		{anchors: []string{"退出系统", "网上选课"}, label: GradesMenuLabel},
		{anchors: []string{"", "  "}, label: GradesMenuLabel},
	}

	for _, test := range table {
		match := MatchMenu(anchors(t, test.anchors...), test.label)
		if test.expected == "" {
			require.Nil(t, match, test.anchors)
			continue
		}
		require.NotNil(t, match, test.anchors)
		require.Equal(t, test.expected, match.Text())
	}
}

func TestFindTrigger(t *testing.T) {
	doc := &browsertest.Document{Markup: `
		<input type="button" value="返回">
		<input type="text" value="查">
		<button>历年成绩查询</button>
		<input type="submit" value="查询">`}

	trigger, err := FindTrigger(context.Background(), doc)
	require.NoError(t, err)
	require.NotNil(t, trigger)
	require.Equal(t, "历年成绩查询", trigger.Text())

	trigger, err = FindTrigger(context.Background(), &browsertest.Document{Markup: `<button>返回</button>`})
	require.NoError(t, err)
	require.Nil(t, trigger)
}

func names(docs []browser.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Name()
	}
	return out
}

func TestCandidateDocuments(t *testing.T) {
	top := &browsertest.Document{DocName: "top"}
	a := &browsertest.Document{DocName: "a"}
	b := &browsertest.Document{DocName: "b"}

	require.Equal(t, []string{"top"}, names(candidateDocuments([]browser.Document{top})))
	require.Equal(t, []string{"a", "b", "top"}, names(candidateDocuments([]browser.Document{top, a, b})))
}

const menuMarkup = `<ul class="nav"><li><a href="#">信息查询</a><ul><li><a href="xscjcx.aspx">成绩查询</a></li></ul></li></ul>`

// portal returns a logged in page whose frames are produced by `frames`
// once the grades menu was clicked.
func portal(frames func() []*browsertest.Document) *browsertest.Page {
	page := &browsertest.Page{CurrentURL: loginURL + "xs_main.aspx"}
	top := &browsertest.Document{DocName: "top", Markup: menuMarkup}
	top.OnClick = func(d *browsertest.Document, e *browsertest.Element) {
		if e.Text() == GradesMenuLabel {
			page.Docs = append([]*browsertest.Document{top}, frames()...)
		}
	}
	page.Docs = []*browsertest.Document{top}
	return page
}

func queryFrame(name string) *browsertest.Document {
	return &browsertest.Document{
		DocName: name,
		Markup:  `<form><input type="submit" name="btn_zcj" value="历年成绩"><input type="submit" value="查询"></form>`,
		OnClick: func(d *browsertest.Document, e *browsertest.Element) {
			if e.Tag == "input" {
				d.Markup = "<form>" + gradeTable + "</form>"
			}
		},
	}
}

func fastExtractor(tel telemetry.API) GradeExtractor {
	return NewGradeExtractor(ExtractorOptions{
		FrameTimeout: 50 * time.Millisecond,
		PollInterval: time.Millisecond,
	}, tel)
}

func TestExtract(t *testing.T) {
	banner := &browsertest.Document{DocName: "banner", Markup: `<p>通知</p>`}
	page := portal(func() []*browsertest.Document {
		return []*browsertest.Document{queryFrame("zhuti"), banner}
	})

	records, err := fastExtractor(telemetry.SlogAPI{}).Extract(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, expectedGrades, records)
}

func TestExtractFallsBackToOtherFrames(t *testing.T) {
	empty := &browsertest.Document{DocName: "banner", Markup: `<p>通知</p>`}
	page := portal(func() []*browsertest.Document {
		return []*browsertest.Document{empty, queryFrame("zhuti")}
	})

	records, err := fastExtractor(telemetry.SlogAPI{}).Extract(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, expectedGrades, records)
}

func TestExtractTopLevelDocument(t *testing.T) {
	page := &browsertest.Page{}
	top := queryFrame("top")
	top.Markup = menuMarkup + top.Markup
	page.Docs = []*browsertest.Document{top}

	records, err := fastExtractor(telemetry.SlogAPI{}).Extract(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, expectedGrades, records)
}

func TestExtractWaitsForAsyncPostback(t *testing.T) {
	headerOnly := `<table id="Datagrid1"><tr><td>学年</td><td>学期</td><td>课程代码</td><td>课程名称</td>` +
		`<td>课程性质</td><td>课程归属</td><td>学分</td><td>成绩</td></tr></table>`
	page := portal(func() []*browsertest.Document {
		frame := queryFrame("zhuti")
		frame.Markup = `<form><input type="submit" value="查询">` + headerOnly + `</form>`
		frame.OnClick = func(d *browsertest.Document, e *browsertest.Element) {
			if e.Tag != "input" {
				return
			}
			go func() {
				time.Sleep(100 * time.Millisecond)
				d.SetMarkup("<form>" + gradeTable + "</form>")
			}()
		}
		return []*browsertest.Document{frame}
	})

	extractor := NewGradeExtractor(ExtractorOptions{
		FrameTimeout: 2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, telemetry.SlogAPI{})
	records, err := extractor.Extract(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, expectedGrades, records)
}

func TestExtractErrors(t *testing.T) {
	t.Run("no frames", func(t *testing.T) {
		page := portal(func() []*browsertest.Document { return nil })
		_, err := fastExtractor(telemetry.SlogAPI{}).Extract(context.Background(), page)
		require.ErrorIs(t, err, ErrResultsFrameNotFound)
	})

	t.Run("no trigger", func(t *testing.T) {
		page := portal(func() []*browsertest.Document {
			return []*browsertest.Document{{DocName: "zhuti", Markup: `<input type="button" value="返回">`}}
		})
		rec := &telemetrytest.Recorder{}
		_, err := fastExtractor(rec).Extract(context.Background(), page)
		require.ErrorIs(t, err, ErrQueryTriggerNotFound)
		require.Len(t, rec.Reports("warning", report_extractor_query), 1)
	})

	t.Run("no menu", func(t *testing.T) {
		page := &browsertest.Page{Docs: []*browsertest.Document{{DocName: "top", Markup: `<a>退出系统</a>`}}}
		_, err := fastExtractor(telemetry.SlogAPI{}).Extract(context.Background(), page)
		require.ErrorIs(t, err, ErrMenuNotFound)
	})

	t.Run("table never appears", func(t *testing.T) {
		page := portal(func() []*browsertest.Document {
			frame := queryFrame("zhuti")
			frame.OnClick = nil
			return []*browsertest.Document{frame}
		})
		_, err := fastExtractor(telemetry.SlogAPI{}).Extract(context.Background(), page)
		require.ErrorIs(t, err, ErrGradeTableNotFound)
	})
}
