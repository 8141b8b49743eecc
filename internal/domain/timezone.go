package domain

import "strings"

// Locality 是从 IANA 时区推导出的展示信息。
type Locality struct {
	City     string
	Flag     string
	Timezone string
}

// 静态时区映射表。只覆盖常见时区；
// 未命中的走 continentFlags 兜底（取路径最后一段作为城市名）。
var timezoneTable = map[string]Locality{
	"UTC":                  {City: "UTC", Flag: "🌐"},
	"Europe/London":        {City: "London", Flag: "🇬🇧"},
	"Europe/Dublin":        {City: "Dublin", Flag: "🇮🇪"},
	"Europe/Paris":         {City: "Paris", Flag: "🇫🇷"},
	"Europe/Berlin":        {City: "Berlin", Flag: "🇩🇪"},
	"Europe/Madrid":        {City: "Madrid", Flag: "🇪🇸"},
	"Europe/Rome":          {City: "Rome", Flag: "🇮🇹"},
	"Europe/Amsterdam":     {City: "Amsterdam", Flag: "🇳🇱"},
	"Europe/Brussels":      {City: "Brussels", Flag: "🇧🇪"},
	"Europe/Vienna":        {City: "Vienna", Flag: "🇦🇹"},
	"Europe/Zurich":        {City: "Zurich", Flag: "🇨🇭"},
	"Europe/Stockholm":     {City: "Stockholm", Flag: "🇸🇪"},
	"Europe/Oslo":          {City: "Oslo", Flag: "🇳🇴"},
	"Europe/Copenhagen":    {City: "Copenhagen", Flag: "🇩🇰"},
	"Europe/Helsinki":      {City: "Helsinki", Flag: "🇫🇮"},
	"Europe/Warsaw":        {City: "Warsaw", Flag: "🇵🇱"},
	"Europe/Prague":        {City: "Prague", Flag: "🇨🇿"},
	"Europe/Lisbon":        {City: "Lisbon", Flag: "🇵🇹"},
	"Europe/Athens":        {City: "Athens", Flag: "🇬🇷"},
	"Europe/Istanbul":      {City: "Istanbul", Flag: "🇹🇷"},
	"Europe/Moscow":        {City: "Moscow", Flag: "🇷🇺"},
	"Europe/Kyiv":          {City: "Kyiv", Flag: "🇺🇦"},
	"America/New_York":     {City: "New York", Flag: "🇺🇸"},
	"America/Chicago":      {City: "Chicago", Flag: "🇺🇸"},
	"America/Denver":       {City: "Denver", Flag: "🇺🇸"},
	"America/Los_Angeles":  {City: "Los Angeles", Flag: "🇺🇸"},
	"America/Toronto":      {City: "Toronto", Flag: "🇨🇦"},
	"America/Vancouver":    {City: "Vancouver", Flag: "🇨🇦"},
	"America/Mexico_City":  {City: "Mexico City", Flag: "🇲🇽"},
	"America/Bogota":       {City: "Bogota", Flag: "🇨🇴"},
	"America/Lima":         {City: "Lima", Flag: "🇵🇪"},
	"America/Santiago":     {City: "Santiago", Flag: "🇨🇱"},
	"America/Buenos_Aires": {City: "Buenos Aires", Flag: "🇦🇷"},
	"America/Sao_Paulo":    {City: "Sao Paulo", Flag: "🇧🇷"},
	"Asia/Tokyo":           {City: "Tokyo", Flag: "🇯🇵"},
	"Asia/Seoul":           {City: "Seoul", Flag: "🇰🇷"},
	"Asia/Shanghai":        {City: "Shanghai", Flag: "🇨🇳"},
	"Asia/Hong_Kong":       {City: "Hong Kong", Flag: "🇭🇰"},
	"Asia/Taipei":          {City: "Taipei", Flag: "🇹🇼"},
	"Asia/Singapore":       {City: "Singapore", Flag: "🇸🇬"},
	"Asia/Bangkok":         {City: "Bangkok", Flag: "🇹🇭"},
	"Asia/Jakarta":         {City: "Jakarta", Flag: "🇮🇩"},
	"Asia/Manila":          {City: "Manila", Flag: "🇵🇭"},
	"Asia/Kolkata":         {City: "Kolkata", Flag: "🇮🇳"},
	"Asia/Dubai":           {City: "Dubai", Flag: "🇦🇪"},
	"Asia/Jerusalem":       {City: "Jerusalem", Flag: "🇮🇱"},
	"Africa/Cairo":         {City: "Cairo", Flag: "🇪🇬"},
	"Africa/Lagos":         {City: "Lagos", Flag: "🇳🇬"},
	"Africa/Nairobi":       {City: "Nairobi", Flag: "🇰🇪"},
	"Africa/Johannesburg":  {City: "Johannesburg", Flag: "🇿🇦"},
	"Australia/Sydney":     {City: "Sydney", Flag: "🇦🇺"},
	"Australia/Melbourne":  {City: "Melbourne", Flag: "🇦🇺"},
	"Pacific/Auckland":     {City: "Auckland", Flag: "🇳🇿"},
	"Pacific/Honolulu":     {City: "Honolulu", Flag: "🇺🇸"},
}

// 按大洲前缀的通用旗帜兜底。
var continentFlags = map[string]string{
	"Europe":     "🇪🇺",
	"America":    "🌎",
	"Asia":       "🌏",
	"Africa":     "🌍",
	"Australia":  "🇦🇺",
	"Pacific":    "🌏",
	"Atlantic":   "🌍",
	"Indian":     "🌏",
	"Antarctica": "🌐",
}

// ResolveTimezone 把 IANA 时区字符串映射为 {城市, 旗帜}。
// 空值按 UTC 处理；未知时区取路径最后一段作城市名（下划线转空格），
// 旗帜按大洲前缀兜底。
func ResolveTimezone(tz string) Locality {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = "UTC"
	}
	if loc, ok := timezoneTable[tz]; ok {
		loc.Timezone = tz
		return loc
	}

	parts := strings.Split(tz, "/")
	city := strings.ReplaceAll(parts[len(parts)-1], "_", " ")
	flag := "🌐"
	if f, ok := continentFlags[parts[0]]; ok {
		flag = f
	}
	return Locality{City: city, Flag: flag, Timezone: tz}
}
