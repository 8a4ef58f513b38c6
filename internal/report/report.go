package report

import (
	"fmt"
	"os"
	"path/filepath"

	"dtex/internal/token"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

// 中文说明：
// 运行报告：把一次抽取运行的统计渲染成单页 HTML（图表自包含，可直接分发）。

const (
	chartWidth  = "900px"
	chartHeight = "420px"
)

// BuildPage 构建报告页面。
func BuildPage(res *token.RunResult) (*components.Page, error) {
	if res == nil {
		return nil, fmt.Errorf("run result cannot be nil")
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = fmt.Sprintf("extraction run %s", res.RunID)
	page.AddCharts(tokenCountChart(res), confidenceChart(res))
	return page, nil
}

// WriteHTML 渲染报告到 dir 下，返回生成的文件路径。
func WriteHTML(res *token.RunResult, dir string) (string, error) {
	page, err := BuildPage(res)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("run_%s.html", res.RunID))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		return "", err
	}
	return path, nil
}

func tokenCountChart(res *token.RunResult) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  chartWidth,
			Height: chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Tokens per kind",
			Subtitle: fmt.Sprintf("run %s · %d tokens · $%.4f spent", res.RunID, res.TokenCount(), res.SpentUSD),
		}),
	)

	var axis []string
	var counts []opts.BarData
	for _, kind := range token.Kinds() {
		lib := res.Library(kind)
		if lib == nil || len(lib.Tokens) == 0 {
			continue
		}
		axis = append(axis, string(kind))
		counts = append(counts, opts.BarData{Value: len(lib.Tokens)})
	}
	bar.SetXAxis(axis).AddSeries("tokens", counts)
	return bar
}

func confidenceChart(res *token.RunResult) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  chartWidth,
			Height: chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Confidence per kind"}),
	)

	var axis []string
	var minSeries, avgSeries, maxSeries []opts.BarData
	for _, kind := range token.Kinds() {
		lib := res.Library(kind)
		if lib == nil || lib.Statistics.Count == 0 {
			continue
		}
		st := lib.Statistics
		axis = append(axis, string(kind))
		minSeries = append(minSeries, opts.BarData{Value: round2(st.MinConfidence)})
		avgSeries = append(avgSeries, opts.BarData{Value: round2(st.AvgConfidence)})
		maxSeries = append(maxSeries, opts.BarData{Value: round2(st.MaxConfidence)})
	}
	bar.SetXAxis(axis).
		AddSeries("min", minSeries).
		AddSeries("avg", avgSeries).
		AddSeries("max", maxSeries)
	return bar
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
