package cloudbatch

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

//ResourcePath a resource pattern that may carry job parameter placeholders,
//e.g. /data/{date,yyyy/MM/dd}/*.csv or /data/{job:region}/*.csv.
//A brace group whose name is not a known parameter is left untouched,
//so glob alternations like {a,b} keep working.
type ResourcePath struct {
	Pattern string
}

var paramRegexp = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*:)?[A-Za-z_][A-Za-z0-9_.]*(,[^{}]*)?\}`)

//Format resolve placeholders from job parameters and the job scope of jobCtx
func (f *ResourcePath) Format(jobParams map[string]interface{}, jobCtx *JobExecutionContext) (string, error) {
	var err error
	factPath := paramRegexp.ReplaceAllStringFunc(f.Pattern, func(s string) string {
		if err != nil {
			return s
		}
		body := s[1 : len(s)-1]
		category, param, format := "", body, ""
		if idx := strings.Index(body, ":"); idx > 0 && !strings.Contains(body[:idx], ",") {
			category, param = body[0:idx], body[idx+1:]
		}
		if idx := strings.Index(param, ","); idx > 0 {
			param, format = param[0:idx], param[idx+1:]
		}
		var paramVal interface{}
		switch category {
		case "":
			if v, ok := jobParams[param]; ok {
				paramVal = v
			} else if jobCtx != nil {
				if v, e := jobCtx.Get(JobScope, param); e == nil {
					paramVal = v
				}
			}
			if paramVal == nil {
				return s
			}
		case "param":
			v, ok := jobParams[param]
			if !ok {
				err = errors.Errorf("can not find job param:%v", param)
				return s
			}
			paramVal = v
		case "job":
			if jobCtx == nil {
				err = errors.Errorf("can not find param:%v in job context", param)
				return s
			}
			v, e := jobCtx.Get(JobScope, param)
			if e != nil {
				err = e
				return s
			}
			paramVal = v
		default:
			err = errors.Errorf("unsupported param category: %v", category)
			return s
		}
		str, e := formatParam(paramVal, format)
		if e != nil {
			err = e
		}
		return str
	})
	if err != nil {
		return "", err
	}
	return factPath, nil
}

var dateFmtRegexp = regexp.MustCompile("yyyy|MM|dd|HH|mm|SS")

func formatParam(val interface{}, format string) (string, error) {
	if val == nil {
		return "", nil
	}
	if format == "" {
		return fmt.Sprintf("%v", val), nil
	} else if dateFmtRegexp.MatchString(format) {
		format = strings.ReplaceAll(format, "yyyy", "2006")
		format = strings.ReplaceAll(format, "MM", "01")
		format = strings.ReplaceAll(format, "dd", "02")
		format = strings.ReplaceAll(format, "HH", "15")
		format = strings.ReplaceAll(format, "mm", "04")
		format = strings.ReplaceAll(format, "SS", "05")
		dt, err := parseDate(val)
		if err != nil {
			return "", err
		}
		return dt.Format(format), nil
	} else if idx := strings.Index(format, "#"); idx >= 0 {
		digit := 0
		var err error
		if idx == 0 {
			digit, err = strconv.Atoi(format[1:])
		} else {
			digit, err = strconv.Atoi(format[0:idx])
		}
		if err != nil {
			return "", errors.Errorf("unsupported format:%v", format)
		}
		n, err := parseInteger(val)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%0*d", digit, n), nil
	}
	return "", errors.Errorf("unsupported format:%v", format)
}

func parseDate(val interface{}) (time.Time, error) {
	if t, ok := val.(time.Time); ok {
		return t, nil
	}
	if reflect.ValueOf(val).Kind() == reflect.String {
		strVal := val.(string)
		switch len(strVal) {
		case 8:
			return time.ParseInLocation("20060102", strVal, time.Local)
		case 10:
			return time.ParseInLocation("2006-01-02", strVal, time.Local)
		case 19:
			return time.ParseInLocation("2006-01-02 15:04:05", strVal, time.Local)
		}
	}
	return time.Time{}, errors.Errorf("can not parse to date:%v", val)
}

func parseInteger(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err
	}
	return -1, errors.Errorf("can not parse to integer:%v", val)
}
