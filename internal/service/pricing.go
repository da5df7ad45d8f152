package service

import (
	"fmt"
	"sort"
	"strings"
)

// Feature 计费功能，扣费只接受枚举值
type Feature string

const (
	FeatureContentText  Feature = "content_text"
	FeatureContentImage Feature = "content_image"
	FeatureVideoShort   Feature = "video_short"
	FeatureVideoLong    Feature = "video_long"
	FeaturePostPublish  Feature = "post_publish"
)

// Features 全部计费功能
var Features = []Feature{
	FeatureContentText,
	FeatureContentImage,
	FeatureVideoShort,
	FeatureVideoLong,
	FeaturePostPublish,
}

// ParseFeature 解析计费功能
func ParseFeature(s string) (Feature, error) {
	for _, f := range Features {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFeature, s)
}

// PriceTable 功能单价表，启动后只读
type PriceTable struct {
	prices map[Feature]int64
}

// NewPriceTable 校验配置：每个功能都必须有正数单价，不允许出现未知功能
func NewPriceTable(raw map[string]int64) (*PriceTable, error) {
	prices := make(map[Feature]int64, len(Features))
	for key, cost := range raw {
		f, err := ParseFeature(key)
		if err != nil {
			return nil, err
		}
		if cost <= 0 {
			return nil, fmt.Errorf("功能 %s 单价必须大于0: %d", key, cost)
		}
		prices[f] = cost
	}

	var missing []string
	for _, f := range Features {
		if _, ok := prices[f]; !ok {
			missing = append(missing, string(f))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("定价表缺少功能: %s", strings.Join(missing, ","))
	}

	return &PriceTable{prices: prices}, nil
}

// Cost 查询功能单价
func (p *PriceTable) Cost(f Feature) (int64, error) {
	cost, ok := p.prices[f]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownFeature, f)
	}
	return cost, nil
}
